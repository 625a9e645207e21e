package checksum

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Ning0612/Meshsync/internal/domain"
)

func TestKnownVectors(t *testing.T) {
	tests := []struct {
		algo  Algorithm
		input string
		want  domain.Digest
	}{
		{MD5, "hello world", "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{MD5, "", "d41d8cd98f00b204e9800998ecf8427e"},
		{SHA256, "hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
		{SHA256, "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}

	for _, tt := range tests {
		t.Run(string(tt.algo)+"/"+tt.input, func(t *testing.T) {
			calc, err := NewCalculator(tt.algo)
			if err != nil {
				t.Fatalf("NewCalculator() error = %v", err)
			}

			got, n, err := calc.Calculate(context.Background(), strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("Calculate failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("digest = %s, want %s", got, tt.want)
			}
			if n != int64(len(tt.input)) {
				t.Errorf("bytes = %d, want %d", n, len(tt.input))
			}
		})
	}
}

func TestContextCancellation(t *testing.T) {
	calc, _ := NewCalculator(MD5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := calc.Calculate(ctx, strings.NewReader("some data"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", MD5, false},
		{"MD5", MD5, false},
		{"sha256", SHA256, false},
		{"sha1", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAlgorithm(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	if _, err := NewCalculator(Algorithm("crc32")); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestLargeStreamDeterministic(t *testing.T) {
	calc, _ := NewCalculator(MD5)
	ctx := context.Background()
	content := strings.Repeat("a", 1024*1024)

	first, _, err := calc.Calculate(ctx, strings.NewReader(content))
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	second, _, _ := calc.Calculate(ctx, strings.NewReader(content))
	if first != second {
		t.Errorf("digests differ: %s != %s", first, second)
	}
}
