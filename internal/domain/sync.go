package domain

import "time"

// SyncState tracks cold-path upload progress for one session. CursorSeq is
// the highest sequence number confirmed by the remote store; everything past
// it is pending.
type SyncState struct {
	SessionID   string
	CursorSeq   int64
	RetryCount  int
	LastAttempt time.Time
	LastError   string
}
