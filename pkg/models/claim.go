package models

import "time"

// Claim is a distributed lease granting one process the right to execute a
// task. At most one live claim exists per task ID across all cooperating
// processes; a claim whose stored holder differs from the owner's holder ID
// has been stolen.
type Claim struct {
	TaskID     string    `json:"taskId"`
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	TTLMinutes int       `json:"ttlMinutes"`
}

// ExpiresAt returns the instant the claim lapses without renewal.
func (c *Claim) ExpiresAt() time.Time {
	return c.AcquiredAt.Add(time.Duration(c.TTLMinutes) * time.Minute)
}

// Expired reports whether the claim has lapsed as of now.
func (c *Claim) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt())
}
