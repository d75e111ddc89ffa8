package models

// Tool event phases relayed to the web app
const (
	PhaseThinking  = "thinking"
	PhaseResult    = "result"
	PhaseCompleted = "completed"
)

// DefaultTool is the tool label attached to lifecycle events that are not
// tied to a specific agent tool call.
const DefaultTool = "professor-lock"

// Artifact represents a binary side-product of an agent turn (e.g. a
// screenshot) after it has been externalized to object storage.
type Artifact struct {
	StoragePath string `json:"storagePath"`
	ContentType string `json:"contentType"`
	Caption     string `json:"caption"`
}

// ToolEvent is a structured progress/result notification relayed to the
// external web app. Immutable once constructed; never persisted locally.
type ToolEvent struct {
	AgentEventID string      `json:"agentEventId"`
	SessionID    string      `json:"-"` // carried on the envelope, not the event
	Phase        string      `json:"phase"`
	Tool         string      `json:"tool"`
	Title        string      `json:"title"`
	Message      string      `json:"message"`
	Payload      interface{} `json:"payload"` // always null on the wire
	Artifacts    []Artifact  `json:"artifacts"`
}

// EventEnvelope is the request body for the web app's events endpoint.
type EventEnvelope struct {
	SessionID string      `json:"sessionId"`
	Events    []ToolEvent `json:"events"`
}

// AssistantMessage is the request body for the web app's message endpoint.
// Role is always "assistant".
type AssistantMessage struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	Role      string `json:"role"`
}
