package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4"

	"github.com/dshills/plughost/internal/billing"
	"github.com/dshills/plughost/internal/plugin"
)

// File is a Memory store that writes its state to an lz4-compressed JSON
// file after every change. Writes go to a temporary file that is renamed
// over the old one, so a crash leaves either the old or the new state.
type File struct {
	*Memory
	path string
}

// OpenFile loads the store at path, starting empty if the file does not
// exist yet.
func OpenFile(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	default:
		s, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode store %s: %w", path, err)
		}
		f.Memory.state = s
	}

	f.Memory.persist = f.write
	return f, nil
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

func (f *File) write(s *snapshot) error {
	data, err := encode(s)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	return nil
}

func encode(s *snapshot) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*snapshot, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	s := newSnapshot()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	if s.Plugins == nil {
		s.Plugins = make(map[string]*plugin.Info)
	}
	if s.Grants == nil {
		s.Grants = make(map[string][]plugin.Permission)
	}
	if s.Enabled == nil {
		s.Enabled = make(map[string]bool)
	}
	if s.Trials == nil {
		s.Trials = make(map[string]billing.Trial)
	}
	return s, nil
}
