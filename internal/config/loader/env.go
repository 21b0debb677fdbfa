package loader

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// EnvLoader reads prefixed environment variables. Mapped variables go to
// their configured path; any other PREFIX_SECTION_KEY variable goes to
// section.key, with the key in snake case.
type EnvLoader struct {
	prefix  string
	mapping map[string]string
	environ func() []string
}

// NewEnvLoader creates a loader for variables starting with prefix, which
// includes the trailing underscore (e.g. "PLUGHOST_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: defaultEnvMapping(prefix),
		environ: os.Environ,
	}
}

// defaultEnvMapping covers settings nested more than one level deep.
func defaultEnvMapping(prefix string) map[string]string {
	return map[string]string{
		prefix + "MAX_CPU_PERCENT":   "resources.defaults.max_cpu_percent",
		prefix + "MAX_MEMORY_BYTES":  "resources.defaults.max_memory_bytes",
		prefix + "MAX_NETWORK_BYTES": "resources.defaults.max_network_bytes",
		prefix + "NETWORK_WINDOW":    "resources.defaults.network_window",
		prefix + "MARKETPLACE_TOKEN": "updates.marketplace_token",
	}
}

// AddMapping maps an environment variable to a configuration path.
func (l *EnvLoader) AddMapping(env, path string) {
	l.mapping[env] = path
}

// Load returns the configuration set through the environment.
func (l *EnvLoader) Load() (map[string]any, error) {
	config := make(map[string]any)
	for _, kv := range l.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		path, mapped := l.mapping[name]
		if !mapped {
			path = l.envToPath(name)
		}
		if path == "" {
			continue
		}
		setByPath(config, path, parseValue(value))
	}
	return config, nil
}

// envToPath converts PLUGHOST_UPDATES_AUTO_UPDATE to updates.auto_update.
func (l *EnvLoader) envToPath(env string) string {
	section, key, ok := strings.Cut(strings.TrimPrefix(env, l.prefix), "_")
	if !ok || section == "" || key == "" {
		return ""
	}
	return strings.ToLower(section) + "." + strings.ToLower(key)
}

// parseValue converts booleans, numbers and JSON arrays or objects.
// Everything else, durations included, stays a string.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
