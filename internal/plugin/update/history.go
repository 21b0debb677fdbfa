package update

import (
	"context"
	"time"
)

// Record is one attempt to move a plugin between versions.
type Record struct {
	ID              string    `json:"id" yaml:"id"`
	PluginID        string    `json:"pluginId" yaml:"plugin_id"`
	FromVersion     string    `json:"fromVersion" yaml:"from_version"`
	FromVersionCode int       `json:"fromVersionCode" yaml:"from_version_code"`
	ToVersion       string    `json:"toVersion" yaml:"to_version"`
	ToVersionCode   int       `json:"toVersionCode" yaml:"to_version_code"`
	Timestamp       time.Time `json:"timestamp" yaml:"timestamp"`
	Success         bool      `json:"success" yaml:"success"`
	Error           string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// HistoryRepository persists update records. History returns the records of
// one plugin oldest first.
type HistoryRepository interface {
	AddHistory(ctx context.Context, r Record) error
	History(ctx context.Context, pluginID string) ([]Record, error)
	AllHistory(ctx context.Context) ([]Record, error)
}
