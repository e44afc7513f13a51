package domain

import "time"

// ConversationTurn is a single message in a conversation. Turns are never
// edited after they are appended to a session.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Session is the server-held state of one multi-turn conversation.
type Session struct {
	ID              string             `json:"session_id"`
	Turns           []ConversationTurn `json:"messages"`
	ResumptionToken string             `json:"resumption_token,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastAccessedAt  time.Time          `json:"last_accessed_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	cp := s
	cp.Turns = make([]ConversationTurn, len(s.Turns))
	copy(cp.Turns, s.Turns)
	return cp
}

// IsExpired reports whether now has reached the session's expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Touch slides the expiry window forward from now.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	s.LastAccessedAt = now
	s.ExpiresAt = now.Add(ttl)
}

// Summary returns the listing view of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:                 s.ID,
		MessageCount:       len(s.Turns),
		HasResumptionToken: s.ResumptionToken != "",
		CreatedAt:          s.CreatedAt,
		LastAccessedAt:     s.LastAccessedAt,
		ExpiresAt:          s.ExpiresAt,
	}
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID                 string    `json:"session_id"`
	MessageCount       int       `json:"message_count"`
	HasResumptionToken bool      `json:"has_resumption_token"`
	CreatedAt          time.Time `json:"created_at"`
	LastAccessedAt     time.Time `json:"last_accessed_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// SessionStats aggregates store occupancy.
type SessionStats struct {
	ActiveCount         int `json:"active_sessions"`
	ExpiredPendingSweep int `json:"expired_pending_sweep"`
	TotalMessages       int `json:"total_messages"`
}
