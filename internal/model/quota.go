package model

import "time"

// Quota is the per-user storage ledger row. Records are created lazily: a
// missing row means the user still has the full default allowance.
// UsageBytes only ever grows on the pipeline path; reclamation is an
// operator concern.
type Quota struct {
	UserID     string    `json:"user_id"`
	LimitBytes int64     `json:"limit_bytes"`
	UsageBytes int64     `json:"usage_bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining returns the unconsumed allowance, never negative.
func (q Quota) Remaining() int64 {
	if q.UsageBytes >= q.LimitBytes {
		return 0
	}
	return q.LimitBytes - q.UsageBytes
}
