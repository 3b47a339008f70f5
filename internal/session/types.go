package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	VoiceStyle string `json:"voice_style"`
	Language   string `json:"language"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	VoiceStyle      string    `json:"voice_style"`
	Language        string    `json:"language"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
