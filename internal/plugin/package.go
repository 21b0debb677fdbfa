package plugin

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Package layout.
const (
	// ManifestEntry is the fixed name of the metadata entry in a package.
	ManifestEntry = "plugin.json"

	// PackageExt is the file extension of plugin packages.
	PackageExt = ".plugin"

	// maxEntrySize bounds how much of a single entry is read into memory.
	maxEntrySize = 256 << 20
)

// Package is an opened plugin package: a manifest plus an opaque payload.
type Package interface {
	// Name returns the base file name of the package.
	Name() string

	// Path returns the package location.
	Path() string

	// ReadEntry returns the content of a named entry.
	ReadEntry(name string) ([]byte, error)

	// Entries lists entry names.
	Entries() []string

	Close() error
}

// PackageFS enumerates and opens packages.
type PackageFS interface {
	MkdirAll(dir string) error
	List(dir, ext string) ([]string, error)
	Open(path string) (Package, error)
}

// OSPackageFS reads zip packages from the local filesystem.
type OSPackageFS struct{}

// MkdirAll creates dir and any missing parents.
func (OSPackageFS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// List returns the paths of regular files in dir with the extension, sorted.
func (OSPackageFS) List(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Open opens a zip package.
func (OSPackageFS) Open(path string) (Package, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	return &zipPackage{path: path, rc: rc}, nil
}

type zipPackage struct {
	path string
	rc   *zip.ReadCloser
}

func (p *zipPackage) Name() string { return filepath.Base(p.path) }
func (p *zipPackage) Path() string { return p.path }

func (p *zipPackage) ReadEntry(name string) ([]byte, error) {
	for _, f := range p.rc.File {
		if f.Name != name {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		data, err := io.ReadAll(io.LimitReader(r, maxEntrySize+1))
		if err != nil {
			return nil, err
		}
		if len(data) > maxEntrySize {
			return nil, fmt.Errorf("entry %s exceeds %d bytes", name, maxEntrySize)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

func (p *zipPackage) Entries() []string {
	names := make([]string, 0, len(p.rc.File))
	for _, f := range p.rc.File {
		names = append(names, f.Name)
	}
	return names
}

func (p *zipPackage) Close() error {
	return p.rc.Close()
}

// WritePackage writes a package containing the manifest and payload files.
func WritePackage(path string, m *Manifest, files map[string][]byte) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(f)
	write := func(name string, content []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(content)
		return err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	err = write(ManifestEntry, data)
	for _, name := range names {
		if err != nil {
			break
		}
		err = write(name, files[name])
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("write package %s: %w", path, err)
	}
	return nil
}
