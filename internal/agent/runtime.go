package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RuntimeFactory creates agent instances backed by the Professor Lock
// runtime sidecar (the Python service that owns the LLM loop, browser and
// research tools).
type RuntimeFactory struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewRuntimeFactory creates a factory for the runtime at baseURL.
func NewRuntimeFactory(baseURL string) *RuntimeFactory {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &RuntimeFactory{
		baseURL: baseURL,
		// No client-level timeout: a run is bounded by the caller's
		// context, and a turn can legitimately take minutes.
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type createAgentRequest struct {
	SessionID   string                 `json:"sessionId"`
	UserID      string                 `json:"userId"`
	Tier        string                 `json:"tier"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
}

type createAgentResponse struct {
	AgentID string `json:"agentId"`
}

type runRequest struct {
	Message string `json:"message"`
}

type memoryEntry struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ImageBase64 string `json:"imageBase64,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

type runResponse struct {
	Reply  string        `json:"reply"`
	Memory []memoryEntry `json:"memory"` // entries appended during this turn
}

// Create instantiates a fresh agent in the runtime and returns a handle to
// it. The runtime may perform network setup (browser launch, tool wiring),
// so this can take a while; bound it with the caller's context.
func (f *RuntimeFactory) Create(ctx context.Context, params SessionParams) (Instance, error) {
	reqBody := createAgentRequest{
		SessionID:   params.SessionID,
		UserID:      params.UserID,
		Tier:        params.Tier,
		Preferences: params.Preferences,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create request: %w", err)
	}

	createCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1/agents", f.baseURL)
	req, err := http.NewRequestWithContext(createCtx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent runtime unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent creation failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var created createAgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to decode create response: %w", err)
	}
	if created.AgentID == "" {
		return nil, fmt.Errorf("agent runtime returned empty agentId")
	}

	f.logger.WithFields(logrus.Fields{
		"agentId":   created.AgentID,
		"sessionId": params.SessionID,
	}).Info("Agent instance created")

	return &runtimeInstance{
		factory: f,
		agentID: created.AgentID,
	}, nil
}

// runtimeInstance is a handle to one agent living in the runtime sidecar.
// The sidecar holds the real conversation state; the handle mirrors the
// memory entries returned after each turn so the orchestrator can flush
// image artifacts without extra round trips.
type runtimeInstance struct {
	factory *RuntimeFactory
	agentID string

	mu     sync.RWMutex
	memory []Message
}

func (a *runtimeInstance) Run(ctx context.Context, text string) (string, error) {
	jsonData, err := json.Marshal(runRequest{Message: text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal run request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/agents/%s/messages", a.factory.baseURL, a.agentID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.factory.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent run failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("agent run failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var result runResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode run response: %w", err)
	}

	a.appendMemory(result.Memory)
	return result.Reply, nil
}

func (a *runtimeInstance) appendMemory(entries []memoryEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, entry := range entries {
		msg := Message{
			Role:    entry.Role,
			Content: entry.Content,
			Caption: entry.Caption,
		}
		if entry.ImageBase64 != "" {
			data, err := base64.StdEncoding.DecodeString(entry.ImageBase64)
			if err != nil {
				a.factory.logger.WithFields(logrus.Fields{
					"agentId": a.agentID,
					"error":   err.Error(),
				}).Warn("Dropping memory image with invalid base64 payload")
			} else {
				msg.Image = data
			}
		}
		a.memory = append(a.memory, msg)
	}
}

func (a *runtimeInstance) Memory() []Message {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Message, len(a.memory))
	copy(out, a.memory)
	return out
}
