// Package codecache provides persistent storage for compiled machine
// code artifacts.
//
// Artifacts are keyed by ProgramID, the blake3 hash of a program's
// canonical binary encoding, so a program recompiled from identical
// bytecode hits the cache regardless of how it was authored. Values are
// zstd-compressed gob encodings of jit.Artifact; absolute addresses are
// rebound by jit.Load at use time, so cached code is valid across
// processes.
package codecache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/7avi/CinderVM/internal/types"
	"github.com/7avi/CinderVM/pkg/bytecode"
	"github.com/7avi/CinderVM/pkg/jit"
)

var (
	// ErrNotFound is returned when no artifact exists for a program.
	ErrNotFound = errors.New("artifact not found")

	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("code cache closed")
)

// bucketArtifacts stores compressed artifacts keyed by ProgramID.
var bucketArtifacts = []byte("artifacts")

// Config holds cache configuration options.
type Config struct {
	// Path is the cache database file.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool
}

// DefaultConfig returns the default cache configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Path: filepath.Join(dir, "codecache.db"),
	}
}

// Cache is a persistent compiled-code store backed by a single bbolt
// file.
type Cache struct {
	db      *bolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens or creates the cache database.
func Open(cfg Config) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := bolt.Open(cfg.Path, 0o644, &bolt.Options{NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Cache{db: db, encoder: encoder, decoder: decoder}, nil
}

// Key computes the cache key for a program.
func Key(p *bytecode.Program) types.ProgramID {
	return types.HashProgram(p.Encode())
}

// Put stores an artifact under the program's key, replacing any prior
// entry.
func (c *Cache) Put(id types.ProgramID, art *jit.Artifact) error {
	if c.db == nil {
		return ErrClosed
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(art); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	compressed := c.encoder.EncodeAll(buf.Bytes(), nil)

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put(id.Bytes(), compressed)
	})
}

// Get loads the artifact for a program. A corrupt entry is reported as
// an error; callers treat it as a miss after Delete.
func (c *Cache) Get(id types.ProgramID) (*jit.Artifact, error) {
	if c.db == nil {
		return nil, ErrClosed
	}
	var compressed []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketArtifacts).Get(id.Bytes())
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		compressed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact %s: %w", id, err)
	}
	var art jit.Artifact
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&art); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", id, err)
	}
	return &art, nil
}

// Has reports whether an artifact exists for the key.
func (c *Cache) Has(id types.ProgramID) bool {
	if c.db == nil {
		return false
	}
	found := false
	c.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketArtifacts).Get(id.Bytes()) != nil
		return nil
	})
	return found
}

// Delete removes the artifact for the key, if present.
func (c *Cache) Delete(id types.ProgramID) error {
	if c.db == nil {
		return ErrClosed
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete(id.Bytes())
	})
}

// Close closes the database. Idempotent.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.encoder.Close()
	c.decoder.Close()
	return err
}
