// Package agent defines the boundary to the Professor Lock reasoning
// runtime. The orchestrator treats the agent as a black box: it can create
// one, feed it a user message, and read back its accumulated memory. All
// reasoning, browser automation and tool execution live behind this
// interface.
package agent

import "context"

// Message is one entry of an agent's conversational memory. Entries
// produced by tool calls may carry an inline PNG payload (e.g. a browser
// screenshot) that the orchestrator externalizes to object storage.
type Message struct {
	Role    string
	Content string
	Image   []byte // inline PNG bytes, nil when the entry carries no image
	Caption string
}

// SessionParams identifies the conversation an agent instance serves.
// Preferences are opaque and passed through unmodified.
type SessionParams struct {
	SessionID   string
	UserID      string
	Tier        string
	Preferences map[string]interface{}
}

// Instance is one stateful conversational agent. An instance is owned
// exclusively by a single session; calls to Run are serialized by the
// owning session's loop, so implementations only need Memory to be safe
// for concurrent reads.
type Instance interface {
	// Run feeds one user message through the agent's reasoning loop and
	// returns its reply. Tool calls made along the way may append
	// image-bearing entries to the instance's memory.
	Run(ctx context.Context, text string) (string, error)

	// Memory returns the accumulated conversation memory, oldest first.
	Memory() []Message
}

// Factory creates agent instances. Creation is expensive (network setup
// against the runtime sidecar) and happens at most once per session
// incarnation.
type Factory interface {
	Create(ctx context.Context, params SessionParams) (Instance, error)
}
