package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// MaxIncludeDepth bounds nested @include directives.
const MaxIncludeDepth = 8

// ErrIncludeDepth is returned when includes nest deeper than
// MaxIncludeDepth, usually because of a cycle.
var ErrIncludeDepth = errors.New("include depth exceeded")

// TOMLLoader loads a TOML file. A top-level "@include" key names one file
// or a list of files, relative to the including file, whose values the
// including file overrides.
type TOMLLoader struct {
	fs   FileSystem
	path string
}

// NewTOMLLoader creates a loader for path.
func NewTOMLLoader(path string) *TOMLLoader {
	return &TOMLLoader{fs: OSFS{}, path: path}
}

// NewTOMLLoaderWithFS creates a loader reading through fsys.
func NewTOMLLoaderWithFS(fsys FileSystem, path string) *TOMLLoader {
	return &TOMLLoader{fs: fsys, path: path}
}

// Load reads the file and its includes. A missing file yields nil, nil.
func (l *TOMLLoader) Load() (map[string]any, error) {
	return l.load(l.path, MaxIncludeDepth)
}

func (l *TOMLLoader) load(path string, depth int) (map[string]any, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrIncludeDepth, path)
	}

	data, err := l.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var config map[string]any
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, newParseError(path, err)
	}

	includes, err := includeList(config["@include"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	delete(config, "@include")

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		sub, err := l.load(inc, depth-1)
		if err != nil {
			return nil, fmt.Errorf("loading include %s: %w", inc, err)
		}
		merged = DeepMerge(merged, sub)
	}
	return DeepMerge(merged, config), nil
}

func includeList(v any) ([]string, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("@include must be a string or an array of strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("@include must be a string or an array of strings, got %T", v)
	}
}

// ParseError is returned for malformed TOML.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func newParseError(path string, err error) *ParseError {
	pe := &ParseError{Path: path, Message: err.Error(), Err: err}
	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		pe.Line, pe.Column = decodeErr.Position()
	}
	return pe
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}
