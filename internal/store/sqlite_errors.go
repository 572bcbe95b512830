package store

import "strings"

// isSQLiteBusyError reports a SQLITE_BUSY failure: another connection
// holds the write lock. The modernc driver exposes these only through the
// error text.
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// isSQLiteLockedError reports a "database is locked" failure, the other
// surface of the same contention.
func isSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// isSQLiteConflictError reports either contention error. Both clear on
// their own, so callers retry with backoff instead of failing the write.
func isSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return isSQLiteBusyError(err) || isSQLiteLockedError(err)
}
