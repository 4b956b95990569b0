// Package shared holds the error taxonomy and helpers used across packages.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// sqliteConflictMarkers are the driver messages for lock contention between
// the executor, the reaper and request handlers writing the same database.
var sqliteConflictMarkers = []string{"SQLITE_BUSY", "SQLITE_LOCKED", "database is locked"}

// IsSQLiteConflictError reports whether err is a transient lock conflict
// that warrants a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range sqliteConflictMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
