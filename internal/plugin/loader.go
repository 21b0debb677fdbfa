package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
)

// Instantiator turns a validated package into a running plugin instance.
// Implementations must copy whatever they need out of the package: it is
// closed once Instantiate returns.
type Instantiator interface {
	Instantiate(ctx context.Context, pkg Package, m *Manifest) (Plugin, error)
}

// InstantiatorFunc adapts a function to the Instantiator interface.
type InstantiatorFunc func(ctx context.Context, pkg Package, m *Manifest) (Plugin, error)

// Instantiate calls f.
func (f InstantiatorFunc) Instantiate(ctx context.Context, pkg Package, m *Manifest) (Plugin, error) {
	return f(ctx, pkg, m)
}

// Loader discovers plugin packages in a directory and instantiates them.
type Loader struct {
	dir       string
	ext       string
	fs        PackageFS
	validator *Validator
	runtimes  map[string]Instantiator
	logger    hclog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithExtension sets the package file extension.
func WithExtension(ext string) LoaderOption {
	return func(l *Loader) {
		l.ext = ext
	}
}

// WithPackageFS sets the filesystem packages are read from.
func WithPackageFS(fs PackageFS) LoaderOption {
	return func(l *Loader) {
		l.fs = fs
	}
}

// WithRuntime registers the instantiator for a runtime kind.
func WithRuntime(kind string, inst Instantiator) LoaderOption {
	return func(l *Loader) {
		l.runtimes[kind] = inst
	}
}

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger hclog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader for packages in dir.
func NewLoader(dir string, validator *Validator, opts ...LoaderOption) *Loader {
	l := &Loader{
		dir:       dir,
		ext:       PackageExt,
		fs:        OSPackageFS{},
		validator: validator,
		runtimes:  make(map[string]Instantiator),
		logger:    hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the plugin directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Extension returns the package file extension.
func (l *Loader) Extension() string {
	return l.ext
}

// Validator returns the manifest validator.
func (l *Loader) Validator() *Validator {
	return l.validator
}

// LoadResult is the outcome of loading a directory of packages.
type LoadResult struct {
	Plugins  []Plugin
	Failures []*LoadError

	// Packages maps each loaded plugin id to its package path.
	Packages map[string]string
}

// LoadAll loads every package in the plugin directory. A package that fails
// is recorded in Failures and does not affect the others. An error is
// returned only when the directory itself cannot be prepared or listed.
func (l *Loader) LoadAll(ctx context.Context) (*LoadResult, error) {
	if err := l.fs.MkdirAll(l.dir); err != nil {
		return nil, fmt.Errorf("create plugin directory: %w", err)
	}

	paths, err := l.fs.List(l.dir, l.ext)
	if err != nil {
		return nil, fmt.Errorf("list plugin directory: %w", err)
	}

	result := &LoadResult{Packages: make(map[string]string)}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		p, err := l.LoadPlugin(ctx, path)
		if err != nil {
			var loadErr *LoadError
			if !errors.As(err, &loadErr) {
				loadErr = &LoadError{File: filepath.Base(path), Stage: StageInstantiate, Err: err}
			}
			l.logger.Warn("failed to load plugin", "file", loadErr.File, "stage", loadErr.Stage, "error", loadErr.Err)
			result.Failures = append(result.Failures, loadErr)
			continue
		}
		id := p.Manifest().ID
		if first, dup := result.Packages[id]; dup {
			loadErr := &LoadError{
				File:  filepath.Base(path),
				Stage: StageValidate,
				Err:   fmt.Errorf("%w: %s already loaded from %s", ErrDuplicatePlugin, id, filepath.Base(first)),
			}
			l.logger.Warn("failed to load plugin", "file", loadErr.File, "stage", loadErr.Stage, "error", loadErr.Err)
			result.Failures = append(result.Failures, loadErr)
			if err := p.Cleanup(); err != nil {
				l.logger.Debug("cleanup of duplicate failed", "plugin", id, "error", err)
			}
			continue
		}
		l.logger.Debug("loaded plugin", "plugin", id, "file", filepath.Base(path))
		result.Plugins = append(result.Plugins, p)
		result.Packages[id] = path
	}
	return result, nil
}

// LoadPlugin extracts, validates and instantiates a single package.
// Failures are returned as *LoadError.
func (l *Loader) LoadPlugin(ctx context.Context, path string) (p Plugin, err error) {
	file := filepath.Base(path)

	pkg, err := l.fs.Open(path)
	if err != nil {
		return nil, &LoadError{File: file, Stage: StageExtract, Err: err}
	}
	defer pkg.Close()

	m, err := readManifest(pkg)
	if err != nil {
		return nil, &LoadError{File: file, Stage: StageExtract, Err: err}
	}

	if err := l.validator.Validate(m); err != nil {
		return nil, &LoadError{File: file, Stage: StageValidate, Err: err}
	}

	inst, ok := l.runtimes[m.RuntimeKind()]
	if !ok {
		return nil, &LoadError{
			File:  file,
			Stage: StageInstantiate,
			Err:   fmt.Errorf("%w: %s", ErrUnsupportedRuntime, m.RuntimeKind()),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = &LoadError{File: file, Stage: StageInstantiate, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	p, err = inst.Instantiate(ctx, pkg, m)
	if err != nil {
		return nil, &LoadError{File: file, Stage: StageInstantiate, Err: err}
	}
	if p == nil {
		return nil, &LoadError{File: file, Stage: StageInstantiate, Err: ErrNilPlugin}
	}
	return p, nil
}

// ExtractManifest reads and validates the manifest of a package without
// instantiating it.
func (l *Loader) ExtractManifest(path string) (*Manifest, error) {
	file := filepath.Base(path)

	pkg, err := l.fs.Open(path)
	if err != nil {
		return nil, &LoadError{File: file, Stage: StageExtract, Err: err}
	}
	defer pkg.Close()

	m, err := readManifest(pkg)
	if err != nil {
		return nil, &LoadError{File: file, Stage: StageExtract, Err: err}
	}
	if err := l.validator.Validate(m); err != nil {
		return nil, &LoadError{File: file, Stage: StageValidate, Err: err}
	}
	return m, nil
}

func readManifest(pkg Package) (*Manifest, error) {
	data, err := pkg.ReadEntry(ManifestEntry)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, ErrMissingManifest
		}
		return nil, err
	}
	return ParseManifest(data)
}
