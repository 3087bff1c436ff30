// Package main implements the oastrix-client CLI.
package main

func main() {
	Execute()
}
