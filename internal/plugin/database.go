package plugin

import "context"

// Database persists plugin records, granted permissions and the enabled set.
// Get returns an error wrapping ErrPluginNotFound for unknown ids.
type Database interface {
	Get(ctx context.Context, id string) (*Info, error)
	List(ctx context.Context) ([]*Info, error)
	Save(ctx context.Context, info *Info) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	Delete(ctx context.Context, id string) error

	GrantedPermissions(ctx context.Context, id string) ([]Permission, error)
	AllGrantedPermissions(ctx context.Context) (map[string][]Permission, error)
	SetGrantedPermissions(ctx context.Context, id string, perms []Permission) error

	EnabledPlugins(ctx context.Context) ([]string, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}
