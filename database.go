package conject

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Database persists failing buffers between runs, keyed by test. Values
// under a key form a set: saving the same bytes twice is a no-op.
// Implementations must tolerate concurrent runs against the same store;
// they do not need transactional guarantees beyond per-value atomicity.
type Database interface {
	// Save adds value under key.
	Save(key string, value []byte) error
	// Delete removes value from key if present.
	Delete(key string, value []byte) error
	// Move transfers value from one key to another, equivalent to
	// Delete(src)+Save(dst) but atomic per value where possible.
	Move(src, dst string, value []byte) error
	// Fetch returns all values stored under key, in any order.
	Fetch(key string) ([][]byte, error)
}

// DirDatabase stores each value as a file named by its content hash inside
// a directory per key. The layout is human-inspectable and safe to check
// into version control, which is the point: a failure found in CI
// reproduces on every developer machine that pulls the directory.
type DirDatabase struct {
	root string
}

// NewDirDatabase returns a database rooted at dir, creating it on first
// write.
func NewDirDatabase(dir string) *DirDatabase {
	return &DirDatabase{root: dir}
}

func (db *DirDatabase) keyDir(key string) string {
	h := sha256.Sum256([]byte(key))

	return filepath.Join(db.root, hex.EncodeToString(h[:])[:16])
}

func valueName(value []byte) string {
	h := sha256.Sum256(value)

	return hex.EncodeToString(h[:])[:16]
}

// Save implements Database.
func (db *DirDatabase) Save(key string, value []byte) error {
	dir := db.keyDir(key)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("cannot create database dir: %w", err)
	}

	path := filepath.Join(dir, valueName(value))

	existing, readErr := os.ReadFile(path) //nolint:gosec // path derived from content hash
	if readErr == nil && bytes.Equal(existing, value) {
		return nil
	}

	writeErr := atomic.WriteFile(path, bytes.NewReader(value))
	if writeErr != nil {
		return fmt.Errorf("cannot write database entry: %w", writeErr)
	}

	return nil
}

// Delete implements Database.
func (db *DirDatabase) Delete(key string, value []byte) error {
	path := filepath.Join(db.keyDir(key), valueName(value))

	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot delete database entry: %w", err)
	}

	return nil
}

// Move implements Database.
func (db *DirDatabase) Move(src, dst string, value []byte) error {
	if src == dst {
		return db.Save(src, value)
	}

	saveErr := db.Save(dst, value)
	if saveErr != nil {
		return saveErr
	}

	return db.Delete(src, value)
}

// Fetch implements Database.
func (db *DirDatabase) Fetch(key string) ([][]byte, error) {
	dir := db.keyDir(key)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("cannot list database dir: %w", err)
	}

	var out [][]byte

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		data, readErr := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // entries under our own root
		if readErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", errDatabaseCorrupt, e.Name(), readErr)
		}

		out = append(out, data)
	}

	return out, nil
}
