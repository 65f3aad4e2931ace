package session

import "time"

// CreateRequest defines the payload for creating a new session. UserName and
// UserGender feed persona prompt assembly; PersonaID and VoiceID select the
// companion.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	UserGender string `json:"user_gender"`
	PersonaID  string `json:"persona_id"`
	VoiceID    string `json:"voice_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	PersonaID       string    `json:"persona_id"`
	VoiceID         string    `json:"voice_id"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
