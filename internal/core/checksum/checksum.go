package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/Ning0612/Meshsync/internal/domain"
)

// Algorithm represents the hashing algorithm to use
type Algorithm string

const (
	// MD5 is the default; digests only need to detect content equality
	MD5 Algorithm = "md5"
	// SHA256 for users who prefer a collision-resistant digest
	SHA256 Algorithm = "sha256"
)

// DefaultBufferSize is the streaming read size
const DefaultBufferSize = 32 * 1024

// ParseAlgorithm parses an algorithm name (case-insensitive, empty = MD5)
func ParseAlgorithm(s string) (Algorithm, error) {
	algo := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if algo == "" {
		return MD5, nil
	}
	if !IsSupported(algo) {
		return "", fmt.Errorf("unsupported algorithm: %s", s)
	}
	return algo, nil
}

// IsSupported checks if the given algorithm is supported
func IsSupported(algo Algorithm) bool {
	switch algo {
	case MD5, SHA256:
		return true
	default:
		return false
	}
}

// NewHash returns a fresh hash.Hash for algo
func NewHash(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algo)
	}
}

// Encode converts a finished hash into a Digest
func Encode(h hash.Hash) domain.Digest {
	return domain.Digest(hex.EncodeToString(h.Sum(nil)))
}

// Calculator computes content digests from streams
type Calculator struct {
	algo       Algorithm
	bufferSize int
}

// NewCalculator creates a calculator for algo
func NewCalculator(algo Algorithm) (*Calculator, error) {
	if !IsSupported(algo) {
		return nil, fmt.Errorf("unsupported algorithm: %s", algo)
	}
	return &Calculator{algo: algo, bufferSize: DefaultBufferSize}, nil
}

// Algorithm returns the configured algorithm
func (c *Calculator) Algorithm() Algorithm {
	return c.algo
}

// Calculate streams reader through the hash, checking ctx between chunks.
// Returns the digest and the number of bytes read.
func (c *Calculator) Calculate(ctx context.Context, reader io.Reader) (domain.Digest, int64, error) {
	h, err := NewHash(c.algo)
	if err != nil {
		return "", 0, err
	}

	buffer := make([]byte, c.bufferSize)
	total := int64(0)

	for {
		select {
		case <-ctx.Done():
			return "", total, ctx.Err()
		default:
		}

		n, err := reader.Read(buffer)
		if n > 0 {
			total += int64(n)
			h.Write(buffer[:n])
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, fmt.Errorf("read error: %w", err)
		}
	}

	return Encode(h), total, nil
}
