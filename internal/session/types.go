package session

import "time"

// Lease is the guest-session view returned to clients.
type Lease struct {
	SessionID     string    `json:"session_id"`
	OpenedAt      time.Time `json:"opened_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	TTLMS         int64     `json:"ttl_ms"`
}

type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	Conversations  int `json:"conversations"`
}
