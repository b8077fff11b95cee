package ids_test

import (
	"testing"

	"github.com/google/uuid"

	"pkt.systems/attachd/internal/ids"
)

func TestNewIsUniqueV7(t *testing.T) {
	t.Parallel()

	a, b := ids.New(), ids.New()
	if a == b {
		t.Fatal("expected unique ids")
	}
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		ids.New():          true,
		"":                 false,
		"not-an-id":        false,
		uuid.NewString():   false,
		"../../etc/passwd": false,
	}
	for in, want := range cases {
		if got := ids.Valid(in); got != want {
			t.Fatalf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}
