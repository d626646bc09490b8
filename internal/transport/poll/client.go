package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/anpr"
)

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("Code %d: %s", e.Code, e.Body)
}

// Client reads pending detections from the detection REST API and reports
// the ones a gate session handled.
type Client struct {
	baseURL string
	token   string
	session *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL, token string, session *http.Client, log zerolog.Logger) *Client {
	if session == nil {
		session = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		session: session,
		log:     log.With().Str("component", "poll_client").Logger(),
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type ProcessedRequest struct {
	ID        string         `json:"id,omitempty"`
	Plate     string         `json:"plate_number"`
	Direction anpr.Direction `json:"direction"`
	Timestamp time.Time      `json:"timestamp"`
}

func (c *Client) FetchPendingEntryDetections(ctx context.Context, gateID string) ([]anpr.DetectionEvent, error) {
	return c.fetchPending(ctx, gateID, anpr.DirectionEntry)
}

func (c *Client) FetchPendingExitDetections(ctx context.Context, gateID string) ([]anpr.DetectionEvent, error) {
	return c.fetchPending(ctx, gateID, anpr.DirectionExit)
}

func (c *Client) fetchPending(ctx context.Context, gateID string, dir anpr.Direction) ([]anpr.DetectionEvent, error) {
	endpoint := fmt.Sprintf("%s/api/v1/gates/%s/detections/pending-%s", c.baseURL, url.PathEscape(gateID), dir)

	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("pending %s request: %w", dir, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pending %s: %w", dir, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode pending %s: %w", dir, err)
	}
	var payloads []anpr.DetectionPayload
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &payloads); err != nil {
			return nil, fmt.Errorf("decode pending %s data: %w", dir, err)
		}
	}

	events := make([]anpr.DetectionEvent, 0, len(payloads))
	for _, p := range payloads {
		ev, err := p.Event(anpr.SourcePoll, gateID)
		if err != nil {
			c.log.Warn().Err(err).Str("gate_id", gateID).Msg("skipping malformed pending detection")
			continue
		}
		if ev.Direction != dir {
			c.log.Warn().Str("gate_id", gateID).Str("plate", ev.Plate).Msg("pending detection has unexpected direction")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Acknowledge marks a detection as processed so it leaves the pending lists.
func (c *Client) Acknowledge(ctx context.Context, ev anpr.DetectionEvent) error {
	body, err := json.Marshal(ProcessedRequest{
		ID:        ev.ID,
		Plate:     ev.Plate,
		Direction: ev.Direction,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal processed request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/gates/%s/detections/processed", c.baseURL, url.PathEscape(ev.GateID))
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("processed request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.session.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(b)),
		}
	}
	return resp, nil
}
