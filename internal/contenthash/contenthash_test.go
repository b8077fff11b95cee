package contenthash_test

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/attachd/internal/contenthash"
)

func TestSumMatchesGitHashObject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input []byte
		want  string
	}{
		{"empty", nil, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
		{"hello", []byte("hello\n"), "ce013625030ba8dba906f756967f9e9ca394464a"},
		{"abc", []byte("abc"), "f2ba8f84ab5c1bce84a7b441cb1959cfc7093b7f"},
	}
	for _, tc := range cases {
		if got := contenthash.Sum(tc.input); got != tc.want {
			t.Fatalf("%s: Sum = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestSumReaderAgreesWithSum(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x00, 0xff, 0x10}, 4096)
	got, err := contenthash.SumReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("SumReader: %v", err)
	}
	if want := contenthash.Sum(payload); got != want {
		t.Fatalf("SumReader = %s, want %s", got, want)
	}
}

func TestSumReaderRejectsSizeMismatch(t *testing.T) {
	t.Parallel()

	if _, err := contenthash.SumReader(strings.NewReader("abcd"), 3); err == nil {
		t.Fatal("expected error for longer stream")
	}
	if _, err := contenthash.SumReader(strings.NewReader("ab"), 3); err == nil {
		t.Fatal("expected error for shorter stream")
	}
	if _, err := contenthash.SumReader(strings.NewReader(""), -1); err == nil {
		t.Fatal("expected error for negative size")
	}
}

func TestDistinctContentDistinctHash(t *testing.T) {
	t.Parallel()

	if contenthash.Sum([]byte("a")) == contenthash.Sum([]byte("b")) {
		t.Fatal("expected different hashes")
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	if !contenthash.Valid(contenthash.Sum([]byte("x"))) {
		t.Fatal("expected computed hash to be valid")
	}
	for _, bad := range []string{
		"",
		"E69DE29BB2D1D6434B8B29AE775AD8C2E48C5391",
		"e69de29bb2d1d6434b8b29ae775ad8c2e48c539",
		"e69de29bb2d1d6434b8b29ae775ad8c2e48c5391a",
		"g69de29bb2d1d6434b8b29ae775ad8c2e48c5391",
	} {
		if contenthash.Valid(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}
