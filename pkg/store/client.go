package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"pairlink/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// Client is the remote persistent store surface the sync core uses.
// All writes are idempotent upserts; conflicts degrade to a no-op.
type Client interface {
	InsertMessage(ctx context.Context, msg MessageRecord) error
	UpsertParticipant(ctx context.Context, p ParticipantRecord) error
	QueryParticipants(ctx context.Context, sessionID string) ([]ParticipantRecord, error)
	LookupSession(ctx context.Context, code string) (SessionRecord, error)
}

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *logrus.Logger

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

type restClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewClient creates a REST client for the persistent store. Remote
// calls go through a circuit breaker so a dead store fails fast
// between reconnection cycles.
func NewClient(opts Options) Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &restClient{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		client:  httpClient,
		breaker: circuitbreaker.New("store", 5, 30*time.Second, logger),
		logger:  logger,
	}
}

// InsertMessage persists a message row, idempotent by primary key. A
// duplicate-key conflict is reported as ErrDuplicateMessage so callers
// can treat it as confirmed delivery.
func (c *restClient) InsertMessage(ctx context.Context, msg MessageRecord) error {
	return c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.post(ctx, "/rest/v1/messages", nil, msg)
		if err != nil {
			return &TransientError{Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		return classifyWriteStatus(resp)
	})
}

// UpsertParticipant creates or refreshes a participant row. A conflict
// on the (session_id, user_id) key merges into the existing row.
func (c *restClient) UpsertParticipant(ctx context.Context, p ParticipantRecord) error {
	headers := map[string]string{
		"Prefer": "resolution=merge-duplicates,return=minimal",
	}
	query := url.Values{"on_conflict": {"session_id,user_id"}}

	return c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.postWithQuery(ctx, "/rest/v1/participants", query, headers, p)
		if err != nil {
			return &TransientError{Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		err = classifyWriteStatus(resp)
		if IsDuplicate(err) {
			// Merge-duplicates already makes this an update; an
			// explicit conflict response still means the row exists.
			return nil
		}
		return err
	})
}

// QueryParticipants returns all participant rows for a session.
func (c *restClient) QueryParticipants(ctx context.Context, sessionID string) ([]ParticipantRecord, error) {
	query := url.Values{
		"session_id": {"eq." + sessionID},
		"select":     {"*"},
	}

	var participants []ParticipantRecord
	err := c.execute(ctx, func(ctx context.Context) error {
		endpoint := c.baseURL + "/rest/v1/participants?" + query.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setAuthHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return &TransientError{Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return &TransientError{Status: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			return &ConstraintError{Status: resp.StatusCode, Detail: readErrorDetail(resp.Body)}
		}

		if err := json.NewDecoder(resp.Body).Decode(&participants); err != nil {
			return fmt.Errorf("failed to decode participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return participants, nil
}

// LookupSession resolves a pairing code to its session row.
func (c *restClient) LookupSession(ctx context.Context, code string) (SessionRecord, error) {
	query := url.Values{
		"code":   {"eq." + code},
		"select": {"*"},
		"limit":  {"1"},
	}

	var sessions []SessionRecord
	err := c.execute(ctx, func(ctx context.Context) error {
		endpoint := c.baseURL + "/rest/v1/sessions?" + query.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setAuthHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return &TransientError{Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return &TransientError{Status: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			return &ConstraintError{Status: resp.StatusCode, Detail: readErrorDetail(resp.Body)}
		}

		if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
			return fmt.Errorf("failed to decode sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return SessionRecord{}, err
	}
	if len(sessions) == 0 {
		return SessionRecord{}, ErrSessionNotFound
	}
	return sessions[0], nil
}

// execute routes a call through the circuit breaker, mapping breaker
// rejections to transient errors so callers retry on their own
// schedule.
func (c *restClient) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.breaker.Execute(ctx, fn)
	if circuitbreaker.IsOpenError(err) {
		return &TransientError{Err: err}
	}
	return err
}

func (c *restClient) post(ctx context.Context, path string, headers map[string]string, payload interface{}) (*http.Response, error) {
	return c.postWithQuery(ctx, path, nil, headers, payload)
}

func (c *restClient) postWithQuery(ctx context.Context, path string, query url.Values, headers map[string]string, payload interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.setAuthHeaders(req)

	return c.client.Do(req)
}

func (c *restClient) setAuthHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func classifyWriteStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrDuplicateMessage
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{Status: resp.StatusCode}
	default:
		return &ConstraintError{Status: resp.StatusCode, Detail: readErrorDetail(resp.Body)}
	}
}

func readErrorDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil || len(data) == 0 {
		return ""
	}
	return string(data)
}
