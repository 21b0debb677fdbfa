// Package loader reads configuration sources into generic maps that the
// config package merges and decodes: TOML files (with @include) and
// PLUGHOST_ environment variables.
package loader

import (
	"io/fs"
	"os"
)

// Loader reads one configuration source.
type Loader interface {
	// Load returns nil, nil when the source does not exist.
	Load() (map[string]any, error)
}

// FileSystem is the file access used by file loaders.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	Stat(path string) (fs.FileInfo, error)
}

// OSFS reads from the local file system.
type OSFS struct{}

// ReadFile reads the entire file at path.
func (OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Stat returns file info for path.
func (OSFS) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

// DeepMerge merges src into dst and returns dst. Nested maps merge
// recursively; any other src value replaces the dst value.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, srcVal := range src {
		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = DeepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = srcVal
	}
	return dst
}
