package orchestrator

import "time"

// ResourceLock is an advisory, mutually-exclusive claim over a named
// resource (e.g. "deploy:prod"). At most one holder per ResourceID at any
// instant; the lock manager never holds a lock whose holder's workflow is
// COMPLETED or FAILED.
type ResourceLock struct {
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder"` // workflow_id
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has elapsed as of now.
func (l ResourceLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
