package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rreusch2/parleyapp-sub005/internal/models"
)

// RelayService posts tool events and assistant chat messages to the
// external web app. Delivery is best-effort: callers log failures and move
// on, session progress is never blocked on relay delivery.
type RelayService struct {
	baseURL    string
	httpClient *http.Client
}

// NewRelayService creates a relay against the web app at baseURL.
func NewRelayService(baseURL string) *RelayService {
	return &RelayService{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PostEvent delivers one tool event to the web app's events endpoint.
func (s *RelayService) PostEvent(ctx context.Context, event models.ToolEvent) error {
	envelope := models.EventEnvelope{
		SessionID: event.SessionID,
		Events:    []models.ToolEvent{event},
	}
	return s.post(ctx, "/api/professor-lock/events", envelope)
}

// PostAssistantMessage delivers the agent's reply as an assistant chat
// message.
func (s *RelayService) PostAssistantMessage(ctx context.Context, sessionID, userID, message string) error {
	body := models.AssistantMessage{
		SessionID: sessionID,
		UserID:    userID,
		Message:   message,
		Role:      "assistant",
	}
	return s.post(ctx, "/api/professor-lock/message", body)
}

func (s *RelayService) post(ctx context.Context, path string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal relay payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("web app unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("web app rejected %s: status=%d, body=%s", path, resp.StatusCode, string(body))
	}

	return nil
}
