package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const docExt = ".md"

// FileStore implements Store on an afero filesystem.
type FileStore struct {
	fs     afero.Fs
	root   string
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a store rooted at root. The root is created if missing.
func NewFileStore(fs afero.Fs, root string, logger zerolog.Logger) (*FileStore, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return &FileStore{
		fs:     fs,
		root:   root,
		logger: logger.With().Str("component", "store").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the vault root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Fs returns the underlying filesystem.
func (s *FileStore) Fs() afero.Fs {
	return s.fs
}

// Path returns the file path of a document.
func (s *FileStore) Path(collection, id string) string {
	return filepath.Join(s.root, collection, id+docExt)
}

// Create publishes a new document atomically.
func (s *FileStore) Create(ctx context.Context, collection, id string, data []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock(collection, id)
	defer unlock()

	exists, err := afero.Exists(s.fs, s.Path(collection, id))
	if err != nil {
		return fmt.Errorf("failed to stat %s/%s: %w", collection, id, err)
	}
	if exists {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrExists)
	}
	return s.publish(collection, id, data)
}

// Get reads a document from disk.
func (s *FileStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.Path(collection, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	return data, nil
}

// Replace atomically overwrites a document.
func (s *FileStore) Replace(ctx context.Context, collection, id string, data []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock(collection, id)
	defer unlock()
	return s.publish(collection, id, data)
}

// List returns the document ids in a collection. Hidden and temp files are
// skipped. A missing collection is empty.
func (s *FileStore) List(ctx context.Context, collection string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.root, collection))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != docExt {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, docExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Move renames a document into another collection.
func (s *FileStore) Move(ctx context.Context, from, id, to, newID string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := checkID(newID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Lock in a fixed order so two opposite moves cannot deadlock.
	a, b := key(from, id), key(to, newID)
	if a > b {
		a, b = b, a
	}
	unlockA := s.lockKey(a)
	defer unlockA()
	if a != b {
		unlockB := s.lockKey(b)
		defer unlockB()
	}

	src := s.Path(from, id)
	dst := s.Path(to, newID)
	if _, err := s.fs.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", from, id, ErrNotFound)
		}
		return fmt.Errorf("failed to stat %s/%s: %w", from, id, err)
	}
	exists, err := afero.Exists(s.fs, dst)
	if err != nil {
		return fmt.Errorf("failed to stat %s/%s: %w", to, newID, err)
	}
	if exists {
		return fmt.Errorf("%s/%s: %w", to, newID, ErrExists)
	}
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", to, err)
	}
	if err := s.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s/%s to %s/%s: %w", from, id, to, newID, err)
	}

	s.logger.Debug().
		Str("from", from).
		Str("to", to).
		Str("id", id).
		Str("new_id", newID).
		Msg("Document moved")
	return nil
}

// publish writes data to a temp file in the target folder and renames it
// over the document. Callers hold the document lock.
func (s *FileStore) publish(collection, id string, data []byte) error {
	dir := filepath.Join(s.root, collection)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+id+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := s.fs.Rename(tmpPath, s.Path(collection, id)); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	s.logger.Debug().
		Str("collection", collection).
		Str("id", id).
		Int("bytes", len(data)).
		Msg("Document written")
	return nil
}

func (s *FileStore) lock(collection, id string) func() {
	return s.lockKey(key(collection, id))
}

func (s *FileStore) lockKey(k string) func() {
	s.mu.Lock()
	m, ok := s.locks[k]
	if !ok {
		m = &sync.Mutex{}
		s.locks[k] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func key(collection, id string) string {
	return collection + "/" + id
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid document id %q", id)
	}
	return nil
}
