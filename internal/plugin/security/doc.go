// Package security mediates every access a plugin makes to host resources.
//
// # Permissions
//
// A PermissionManager tracks which declared permissions each plugin has been
// granted. Non-sensitive permissions are granted automatically when
// requested; sensitive ones become pending requests that the user approves
// or denies. Grants are persisted; pending requests are not.
//
// # Sandbox
//
// Each active plugin gets a Sandbox. A permission is usable only when it is
// both declared in the manifest and currently granted. File access is
// confined to the plugin's private data directory (symlinks resolved) and
// additionally requires the storage permission. Network access requires the
// network permission and passes the host allow/block lists.
//
// # Context
//
// The Context handed to plugin code routes every host call through its
// Sandbox. Without the preferences permission the preference store fails
// every call rather than silently succeeding. File operations and HTTP
// requests are additionally rate-limited per plugin with a token bucket.
//
// Example usage:
//
//	perms := security.NewPermissionManager(db, registry)
//	mgr := security.NewManager(cfg, perms, tracker, limiter)
//	if err := mgr.Initialize(ctx); err != nil {
//	    return err
//	}
//	hostCtx, err := mgr.CreateContext(ctx, manifest.ID, manifest)
//	if err != nil {
//	    return err
//	}
//	err = p.Initialize(ctx, hostCtx)
package security
