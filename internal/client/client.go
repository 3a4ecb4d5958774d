package client

import (
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

	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/queue"
	"qms/queue-sync/internal/store"
	"qms/queue-sync/internal/transfer"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to a queue-sync server. It satisfies session.Mover, so a
// remote screen confirms moves the same way an in-process one does.
type Client struct {
	baseURL string
	http    *http.Client
	actorID string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithActor sets X-Actor-ID on every request.
func WithActor(actorID string) Option {
	return func(cl *Client) { cl.actorID = actorID }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Field     string `json:"field"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (c *Client) MovePatient(ctx context.Context, req transfer.MoveRequest) (transfer.MoveResult, error) {
	if err := transfer.ValidateMove(req); err != nil {
		return transfer.MoveResult{}, err
	}
	path := "/api/queue/" + url.PathEscape(req.QueueID) + "/actions/move"
	if req.QueueID == "" {
		path = "/api/counters/" + url.PathEscape(req.SourceCounterID) + "/actions/move-next"
	}
	body := map[string]string{
		"facility_id":       req.FacilityID,
		"target_counter_id": req.TargetCounterID,
		"target_status":     req.TargetStatus,
		"actor_id":          req.ActorID,
		"correlation_id":    req.CorrelationID,
	}
	if req.QueueID != "" {
		body["source_counter_id"] = req.SourceCounterID
	}
	var result transfer.MoveResult
	if err := c.do(ctx, "move", http.MethodPost, path, body, &result); err != nil {
		return transfer.MoveResult{}, err
	}
	return result, nil
}

func (c *Client) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := c.do(ctx, "get entry", http.MethodGet, "/api/queue/"+url.PathEscape(id), nil, &entry); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (c *Client) ListCounterQueue(ctx context.Context, facilityID, counterID string) ([]models.QueueEntry, error) {
	q := url.Values{"facility_id": {facilityID}, "counter_id": {counterID}}
	var resp struct {
		Entries []models.QueueEntry `json:"entries"`
	}
	if err := c.do(ctx, "list queue", http.MethodGet, "/api/queue?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) AvailableCounters(ctx context.Context, facilityID, excludeCounterID string) ([]models.Counter, error) {
	q := url.Values{"facility_id": {facilityID}}
	if excludeCounterID != "" {
		q.Set("exclude_counter_id", excludeCounterID)
	}
	var resp struct {
		Counters []models.Counter `json:"counters"`
	}
	if err := c.do(ctx, "available counters", http.MethodGet, "/api/counters/available?"+q.Encode(), nil, &resp); err != nil {
		return []models.Counter{}, err
	}
	if resp.Counters == nil {
		resp.Counters = []models.Counter{}
	}
	return resp.Counters, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actorID != "" {
		req.Header.Set("X-Actor-ID", c.actorID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &transfer.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transfer.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeError rebuilds the server's error taxonomy from the response.
func decodeError(op string, resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)
	message := body.Error.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &transfer.ValidationError{Field: body.Error.Field, Reason: message}
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, store.ErrEntryNotFound)
	case http.StatusConflict:
		return &transfer.ConflictError{Reason: message, Err: conflictSentinel(body.Error.Code)}
	default:
		return &transfer.TransportError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, message)}
	}
}

func conflictSentinel(code string) error {
	switch code {
	case "entry_done":
		return store.ErrEntryDone
	case "status_conflict":
		return store.ErrStatusConflict
	case "counter_unavailable":
		return store.ErrCounterUnavailable
	case "counter_busy":
		return queue.ErrCounterBusy
	case "invalid_transition":
		return queue.ErrInvalidTransition
	default:
		return errors.New(code)
	}
}
