package security

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/plughost/internal/plugin"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FilePreferences stores a plugin's preferences as one JSON document.
// Writes replace the file atomically.
type FilePreferences struct {
	mu   sync.Mutex
	path string
}

// NewFilePreferences returns a store backed by path. The file is created on
// the first write.
func NewFilePreferences(path string) *FilePreferences {
	return &FilePreferences{path: path}
}

// Path returns the backing file.
func (p *FilePreferences) Path() string {
	return p.path
}

func (p *FilePreferences) get(key string) (gjson.Result, error) {
	if !validKey.MatchString(key) {
		return gjson.Result{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := p.readLocked()
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(data, key), nil
}

// GetString returns the string value of key, or def if unset.
func (p *FilePreferences) GetString(key, def string) (string, error) {
	r, err := p.get(key)
	if err != nil || !r.Exists() {
		return def, err
	}
	return r.String(), nil
}

// GetInt returns the integer value of key, or def if unset.
func (p *FilePreferences) GetInt(key string, def int64) (int64, error) {
	r, err := p.get(key)
	if err != nil || !r.Exists() {
		return def, err
	}
	return r.Int(), nil
}

// GetBool returns the boolean value of key, or def if unset.
func (p *FilePreferences) GetBool(key string, def bool) (bool, error) {
	r, err := p.get(key)
	if err != nil || !r.Exists() {
		return def, err
	}
	return r.Bool(), nil
}

// Set stores value under key. Values are encoded as JSON.
func (p *FilePreferences) Set(key string, value any) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.readLocked()
	if err != nil {
		return err
	}
	data, err = sjson.SetBytes(data, key, value)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return p.writeLocked(data)
}

// Delete removes key. Deleting a missing key is a no-op.
func (p *FilePreferences) Delete(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.readLocked()
	if err != nil {
		return err
	}
	if !gjson.GetBytes(data, key).Exists() {
		return nil
	}
	data, err = sjson.DeleteBytes(data, key)
	if err != nil {
		return fmt.Errorf("delete preference %s: %w", key, err)
	}
	return p.writeLocked(data)
}

// Keys returns the stored keys, sorted.
func (p *FilePreferences) Keys() ([]string, error) {
	p.mu.Lock()
	data, err := p.readLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var keys []string
	gjson.ParseBytes(data).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

// Clear deletes the backing file.
func (p *FilePreferences) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *FilePreferences) readLocked() ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("read preferences: %s is not valid JSON", p.path)
	}
	return data, nil
}

func (p *FilePreferences) writeLocked(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}

// deniedPreferences is handed to plugins without the preferences permission.
type deniedPreferences struct{}

func (deniedPreferences) GetString(string, string) (string, error) { return "", ErrPreferencesDenied }
func (deniedPreferences) GetInt(string, int64) (int64, error)      { return 0, ErrPreferencesDenied }
func (deniedPreferences) GetBool(string, bool) (bool, error)       { return false, ErrPreferencesDenied }
func (deniedPreferences) Set(string, any) error                    { return ErrPreferencesDenied }
func (deniedPreferences) Delete(string) error                      { return ErrPreferencesDenied }
func (deniedPreferences) Keys() ([]string, error)                  { return nil, ErrPreferencesDenied }

var (
	_ plugin.Preferences = (*FilePreferences)(nil)
	_ plugin.Preferences = deniedPreferences{}
)
