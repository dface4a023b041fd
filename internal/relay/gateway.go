// ABOUTME: HTTP client for the coven-gateway send API
// ABOUTME: Posts a prompt, authenticates with a short-lived JWT, and parses the SSE response stream

package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/auth"
)

// ErrGateway wraps every failure reported by the gateway itself, as opposed
// to transport errors reaching it.
var ErrGateway = errors.New("gateway error")

// EventType represents SSE event types from the gateway.
type EventType string

const (
	EventStarted    EventType = "started"
	EventThinking   EventType = "thinking"
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventFile       EventType = "file"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// SSEEvent represents a parsed Server-Sent Event.
type SSEEvent struct {
	Type EventType
	Data string
}

// SendRequest is the request body for POST /api/send.
type SendRequest struct {
	ThreadID  string `json:"thread_id,omitempty"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Frontend  string `json:"frontend"`
	ChannelID string `json:"channel_id"`
}

// SendResult is what a completed send produced.
type SendResult struct {
	ThreadID string
	Response string
}

type startedEventData struct {
	ThreadID string `json:"thread_id"`
}

type doneEventData struct {
	FullResponse string `json:"full_response,omitempty"`
}

type errorEventData struct {
	Error string `json:"error"`
}

// GatewayOptions configures a GatewayClient.
type GatewayOptions struct {
	// JWTSecret signs bearer tokens. Empty sends no Authorization header.
	JWTSecret   string
	PrincipalID string
	TokenTTL    time.Duration
	HTTPClient  *http.Client
}

// GatewayClient communicates with the coven-gateway HTTP API.
type GatewayClient struct {
	baseURL     string
	client      *http.Client
	signer      *auth.JWTVerifier // nil sends no Authorization header
	principalID string
	tokenTTL    time.Duration
}

// NewGatewayClient creates a new gateway client. baseURL must be an absolute
// http or https URL.
func NewGatewayClient(baseURL string, opts GatewayOptions) (*GatewayClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("gateway url %q must be an absolute http(s) url", baseURL)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	var signer *auth.JWTVerifier
	if opts.JWTSecret != "" {
		signer, err = auth.NewJWTVerifier([]byte(opts.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating gateway token signer: %w", err)
		}
	}
	return &GatewayClient{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      client,
		signer:      signer,
		principalID: opts.PrincipalID,
		tokenTTL:    ttl,
	}, nil
}

// Send posts req to the gateway and streams SSE events to onEvent, which may
// be nil. It returns the gateway thread ID and the full response text.
func (g *GatewayClient) Send(ctx context.Context, req SendRequest, onEvent func(SSEEvent)) (SendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	if g.signer != nil {
		token, err := g.signer.Generate(g.principalID, g.tokenTTL)
		if err != nil {
			return SendResult{}, err
		}
		auth.BearerToken(httpReq, token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SendResult{}, errorResponse(resp)
	}

	result := SendResult{ThreadID: req.ThreadID}
	if err := parseSSEStream(ctx, resp.Body, &result, onEvent); err != nil {
		return result, err
	}
	return result, nil
}

// errorResponse extracts the error message from a non-200 response.
func errorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp errorEventData
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%w (%d): %s", ErrGateway, resp.StatusCode, errResp.Error)
		}
	}
	return fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, strings.TrimSpace(string(body)))
}

// parseSSEStream reads SSE events from body into result.
func parseSSEStream(ctx context.Context, body io.Reader, result *SendResult, onEvent func(SSEEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var eventType EventType
	var dataLines []string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()

		// Empty line terminates an event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				evt := SSEEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
				if err := applyEvent(evt, result); err != nil {
					return err
				}
				if onEvent != nil {
					onEvent(evt)
				}
				if eventType == EventDone {
					return nil
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = EventType(strings.TrimSpace(v))
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(v, " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil
}

func applyEvent(evt SSEEvent, result *SendResult) error {
	switch evt.Type {
	case EventStarted:
		var data startedEventData
		if json.Unmarshal([]byte(evt.Data), &data) == nil && data.ThreadID != "" {
			result.ThreadID = data.ThreadID
		}
	case EventDone:
		var data doneEventData
		if json.Unmarshal([]byte(evt.Data), &data) == nil {
			result.Response = data.FullResponse
		}
	case EventError:
		var data errorEventData
		if err := json.Unmarshal([]byte(evt.Data), &data); err != nil || data.Error == "" {
			return fmt.Errorf("%w: malformed error event", ErrGateway)
		}
		return fmt.Errorf("%w: agent error: %s", ErrGateway, data.Error)
	}
	return nil
}
