package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsclarke/oastrix-client/internal/client"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List the public interactsh servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, s := range client.DefaultServers {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serversCmd)
}
