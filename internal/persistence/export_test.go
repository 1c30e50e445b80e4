package persistence

import "time"

// SetCommitRetry shortens the commit retry schedule for a test.
func SetCommitRetry(attempts int, backoff time.Duration) (restore func()) {
	prevAttempts, prevBackoff := maxCommitAttempts, commitBackoff
	maxCommitAttempts, commitBackoff = attempts, backoff
	return func() { maxCommitAttempts, commitBackoff = prevAttempts, prevBackoff }
}
