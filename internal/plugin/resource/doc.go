// Package resource samples per-plugin resource usage and enforces limits.
//
// A Tracker keeps one Monitor per plugin and periodically samples a Source.
// A Limiter walks the monitors and drives each plugin through a three-state
// machine:
//
//	normal    -> throttled  any resource above 80% of its limit, none above 100%
//	throttled -> normal     every resource back at or under 80%
//	normal    -> suspended  any resource above 100% of its limit
//	throttled -> suspended  any resource above 100% of its limit
//
// A suspended plugin is skipped by later passes until it is explicitly
// resumed or reset. Every transition is published as a Violation; a Notifier
// forwards violations to a host callback and the log.
package resource
