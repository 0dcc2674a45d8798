package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ConversationsClient reads finished conversations from the ElevenLabs REST
// API, used by the journal pipeline to fetch transcripts.
type ConversationsClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewConversationsClient(apiKey, baseURL string) (*ConversationsClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	return &ConversationsClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type conversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Transcript     []struct {
		Role    string `json:"role"`
		Message string `json:"message"`
	} `json:"transcript"`
}

// ConversationTranscript fetches the conversation and flattens its turns into
// "Role: message" lines for summarization.
func (c *ConversationsClient) ConversationTranscript(ctx context.Context, conversationID string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", errors.New("conversation id is required")
	}

	u := c.baseURL + "/v1/convai/conversations/" + url.PathEscape(conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch conversation: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("conversation api status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var conv conversationResponse
	if err := json.NewDecoder(res.Body).Decode(&conv); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	if len(conv.Transcript) == 0 {
		return "", fmt.Errorf("conversation %s has no transcript", conversationID)
	}

	var b strings.Builder
	for _, turn := range conv.Transcript {
		role := turn.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(turn.Message)
		b.WriteString("\n")
	}
	return b.String(), nil
}
