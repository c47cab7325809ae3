package journal

import "time"

// Session is the final record of one finished download.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Tier         string    `json:"tier"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Bytes        int64     `json:"bytes"`
}

func (s Session) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// UserTotal aggregates finished sessions for one user.
type UserTotal struct {
	UserID   string `json:"user_id"`
	Tier     string `json:"tier"` // tier of the most recent session
	Sessions int64  `json:"sessions"`
	Bytes    int64  `json:"bytes"`
}

// Reset is one monthly usage reset.
type Reset struct {
	At    time.Time `json:"at"`
	Users int       `json:"users"`
}
