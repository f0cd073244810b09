// Package activity records user-visible activity for the relay: logins,
// shell connects and disconnects, failed opens and reaper removals.
//
// Entries go to the activity_logs table and to the standard logger with an
// [activity] prefix. The package keeps one global [Auditor]; the Log*
// helpers drop events silently until [InitGlobal] has run, so packages can
// call them unconditionally.
//
// Entries older than the retention period are purged by [Auditor.Schedule],
// which runs [Auditor.PurgeOlderThan] on a cron spec (daily by default).
package activity
