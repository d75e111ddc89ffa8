package models

// TierFree is applied when a session is created lazily by a message for an
// unknown session ID (no prior start call carried a tier).
const TierFree = "free"

// StartSessionRequest is the body of POST /session/start
type StartSessionRequest struct {
	SessionID   string                 `json:"sessionId"`
	UserID      string                 `json:"userId"`
	Tier        string                 `json:"tier"`
	Preferences map[string]interface{} `json:"preferences,omitempty"` // opaque, passed through to the agent
}

// SessionMessageRequest is the body of POST /session/message
type SessionMessageRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
}
