// Package update finds newer versions of installed plugins in the
// marketplace, downloads them and swaps them in through the plugin
// manager. Every install attempt is written to the update history, which
// also drives rollbacks.
package update
