package checksum

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Ning0612/Meshsync/internal/adapter"
	"github.com/Ning0612/Meshsync/internal/domain"
)

// DefaultCacheSize bounds the digest cache
const DefaultCacheSize = 8192

type cacheKey struct {
	root  string
	path  string
	size  int64
	mtime int64
}

// Hasher produces FileRecords for files inside a root. Digests of files
// whose size and mtime did not change are served from an LRU cache so
// periodic rescans do not re-read unchanged content.
type Hasher struct {
	calc  *Calculator
	cache *lru.Cache[cacheKey, domain.Digest]
}

// NewHasher creates a hasher for algo with a cache of cacheSize entries
func NewHasher(algo Algorithm, cacheSize int) (*Hasher, error) {
	calc, err := NewCalculator(algo)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, domain.Digest](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create digest cache: %w", err)
	}
	return &Hasher{calc: calc, cache: cache}, nil
}

// Algorithm returns the digest algorithm
func (h *Hasher) Algorithm() Algorithm {
	return h.calc.Algorithm()
}

// Digest stats and hashes rel in a. The returned record has Exists=true
// and no Version/Origin; the caller owns those.
// A file that vanishes, is unreadable, or changes while being read yields
// an error wrapping domain.ErrIOUnavailable.
func (h *Hasher) Digest(ctx context.Context, a adapter.Adapter, rel string) (domain.FileRecord, error) {
	before, err := a.Stat(ctx, rel)
	if err != nil {
		return domain.FileRecord{}, unavailable(rel, err)
	}
	if !before.Mode().IsRegular() {
		return domain.FileRecord{}, fmt.Errorf("%s: %w", rel, domain.ErrNotFile)
	}

	rec := domain.FileRecord{
		Path:    rel,
		Size:    before.Size(),
		ModTime: before.ModTime(),
		Mode:    before.Mode().Perm(),
		Exists:  true,
	}

	key := cacheKey{root: a.Root().Path, path: rel, size: rec.Size, mtime: rec.ModTime.UnixNano()}
	if d, ok := h.cache.Get(key); ok {
		rec.Digest = d
		return rec, nil
	}

	r, err := a.Open(ctx, rel)
	if err != nil {
		return domain.FileRecord{}, unavailable(rel, err)
	}
	digest, n, err := h.calc.Calculate(ctx, r)
	r.Close()
	if err != nil {
		if ctx.Err() != nil {
			return domain.FileRecord{}, ctx.Err()
		}
		return domain.FileRecord{}, unavailable(rel, err)
	}

	// A concurrent writer makes the digest inconsistent with the stat
	after, err := a.Stat(ctx, rel)
	if err != nil {
		return domain.FileRecord{}, unavailable(rel, err)
	}
	if n != rec.Size || after.Size() != rec.Size || !after.ModTime().Equal(rec.ModTime) {
		return domain.FileRecord{}, fmt.Errorf("%s changed while hashing: %w", rel, domain.ErrIOUnavailable)
	}

	rec.Digest = digest
	h.cache.Add(key, digest)
	return rec, nil
}

// Prime records a digest computed elsewhere (e.g. while copying)
func (h *Hasher) Prime(root string, rec domain.FileRecord) {
	if !rec.Exists || rec.Digest == "" {
		return
	}
	h.cache.Add(cacheKey{root: root, path: rec.Path, size: rec.Size, mtime: rec.ModTime.UnixNano()}, rec.Digest)
}

func unavailable(rel string, err error) error {
	if errors.Is(err, domain.ErrIOUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", rel, domain.ErrIOUnavailable, err)
}
