package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edsrzf/mmap-go"

	"github.com/traindex/traindex/internal/fs"
)

// LocalStore implements Store using the local file system. Blobs are opened
// with mmap for cheap random access; run files are large and read in small
// scattered pieces during indexing.
type LocalStore struct {
	root string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Open opens a blob for reading.
func (s *LocalStore) Open(ctx context.Context, name string) (Blob, error) {
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		f.Close()
		return &localBlob{}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	// The mapping outlives the descriptor.
	f.Close()
	if err != nil {
		return nil, err
	}
	return &localBlob{m: m}, nil
}

// List returns local file names (relative to the root) starting with prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Put atomically writes a complete blob via temp file + rename.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	path := filepath.Join(s.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fs.WriteFileAtomic(fs.Default, path, data, 0o644)
}

type localBlob struct {
	m mmap.MMap
}

func (b *localBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off < 0 || off >= int64(len(b.m)) {
		return 0, io.EOF
	}
	n := copy(p, b.m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *localBlob) Size() int64 {
	return int64(len(b.m))
}

func (b *localBlob) Close() error {
	if b.m == nil {
		return nil
	}
	m := b.m
	b.m = nil
	return m.Unmap()
}
