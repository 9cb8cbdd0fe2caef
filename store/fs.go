package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

const (
	tableExt = ".csv"
	gzipExt  = ".gz"
	metaExt  = ".json"
)

// FS stores tables as CSV files and metadata as JSON files below Root.
// Tables are gzip compressed when Compress is set. Reads accept either form.
type FS struct {
	Root     string
	Compress bool
}

var _ Store = FS{}

func (s FS) path(p, ext string) string {
	return filepath.Join(s.Root, filepath.FromSlash(p)) + ext
}

func (s FS) Read(p string) (*Table, error) {
	f, err := os.Open(s.path(p, tableExt))
	compressed := false
	if errors.Is(err, fs.ErrNotExist) {
		f, err = os.Open(s.path(p, tableExt+gzipExt))
		compressed = true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: table %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if compressed {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("store: table %s: %w", p, err)
		}
		defer zr.Close()
		r = zr
	}
	t, err := ReadCSV(r)
	if err != nil {
		return nil, fmt.Errorf("store: table %s: %w", p, err)
	}
	return t, nil
}

func (s FS) Write(t *Table, p string) (err error) {
	ext := tableExt
	if s.Compress {
		ext += gzipExt
	}
	name := s.path(p, ext)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if !s.Compress {
		return WriteCSV(f, t)
	}
	zw := gzip.NewWriter(f)
	if err := WriteCSV(zw, t); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func (s FS) ReadMeta(p string) (Meta, error) {
	b, err := os.ReadFile(s.path(p, metaExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: meta %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("store: meta %s: %w", p, err)
	}
	return m, nil
}

func (s FS) WriteMeta(m Meta, p string) error {
	name := s.path(p, metaExt)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("store: meta %s: %w", p, err)
	}
	return os.WriteFile(name, append(b, '\n'), 0o644)
}
