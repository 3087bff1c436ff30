package secure

import (
	"math/big"
	"testing"
)

func TestDestroyZeroesBuffer(t *testing.T) {
	raw := []byte("correlation-secret")
	s := New(raw)

	if got := s.String(); got != "correlation-secret" {
		t.Fatalf("String() = %q", got)
	}

	s.Destroy()

	for i, b := range raw {
		if b != 0 {
			t.Fatalf("byte %d not wiped: %x", i, b)
		}
	}
	if !s.Destroyed() {
		t.Error("Destroyed() = false after Destroy")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Destroy, want 0", s.Len())
	}
	if s.String() != "" {
		t.Error("String() should be empty after Destroy")
	}

	// second call is a no-op
	s.Destroy()
}

func TestUseAfterDestroySeesNil(t *testing.T) {
	s := New([]byte{1, 2, 3})
	s.Destroy()
	s.Use(func(b []byte) {
		if b != nil {
			t.Errorf("Use after Destroy got %v, want nil", b)
		}
	})
}

func TestWipeInt(t *testing.T) {
	n := new(big.Int).SetBytes([]byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe, 0x01})
	words := n.Bits()

	WipeInt(n)

	for i, w := range words {
		if w != 0 {
			t.Errorf("word %d not wiped", i)
		}
	}
	if n.Sign() != 0 {
		t.Error("WipeInt should reset value to zero")
	}

	WipeInt(nil)
}
