package swapagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the operator REST API exposed by swapagentd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// MessageSubmission is a counterparty message injected by a chat bridge.
type MessageSubmission struct {
	ID             string `json:"id,omitempty"`
	Counterparty   string `json:"counterparty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
	AllianceIntent bool   `json:"alliance_intent,omitempty"`
}

// Message is the pipeline view of a submitted message.
type Message struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Outcome    json.RawMessage `json:"outcome,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// MessageStats aggregates message counts by status.
type MessageStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// MessageList is returned by ListMessages.
type MessageList struct {
	Messages []Message    `json:"messages"`
	Stats    MessageStats `json:"stats"`
}

// ListOptions filters ListMessages.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []string
	Counterparty string
	Query        string
	Ascending    bool
}

// Escrow is a polling task tracked for one escrow account.
type Escrow struct {
	ID               string    `json:"id"`
	Escrow           string    `json:"escrow"`
	Vault            string    `json:"vault"`
	Mint             string    `json:"mint"`
	ExpectedAmount   float64   `json:"expected_amount"`
	Threshold        float64   `json:"threshold"`
	Status           string    `json:"status"`
	LastBalance      float64   `json:"last_balance"`
	Error            string    `json:"error,omitempty"`
	ExchangeAttempts int       `json:"exchange_attempts"`
	ExchangeTx       string    `json:"exchange_tx,omitempty"`
	CancelTx         string    `json:"cancel_tx,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EscrowSnapshot is the full polling state.
type EscrowSnapshot struct {
	Tasks        []Escrow  `json:"tasks"`
	Archive      []Escrow  `json:"archive"`
	LastPollTime time.Time `json:"last_poll_time"`
}

// Health is the /healthz payload.
type Health struct {
	Status  string                     `json:"status"`
	Polling bool                       `json:"polling"`
	Chains  map[string]json.RawMessage `json:"chains,omitempty"`
}

// APIError represents an error payload returned by the server.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("swapagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("swapagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the operator bearer token sent with every API call.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// Token returns the stored operator token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Health fetches the daemon health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &health)
	return health, err
}

// SubmitMessage queues a counterparty message for negotiation.
func (c *Client) SubmitMessage(ctx context.Context, submission MessageSubmission) (Message, error) {
	var msg Message
	err := c.do(ctx, http.MethodPost, "/api/v1/messages", nil, submission, &msg)
	return msg, err
}

// GetMessage fetches a message by identifier.
func (c *Client) GetMessage(ctx context.Context, id string) (Message, error) {
	var msg Message
	err := c.do(ctx, http.MethodGet, "/api/v1/messages/"+url.PathEscape(id), nil, nil, &msg)
	return msg, err
}

// ListMessages lists messages matching opts.
func (c *Client) ListMessages(ctx context.Context, opts ListOptions) (MessageList, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Counterparty != "" {
		query.Set("counterparty", opts.Counterparty)
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	if opts.Ascending {
		query.Set("order", "asc")
	}
	var list MessageList
	err := c.do(ctx, http.MethodGet, "/api/v1/messages", query, nil, &list)
	return list, err
}

// Negotiations returns raw negotiation records, optionally filtered by status.
func (c *Client) Negotiations(ctx context.Context, status string) ([]json.RawMessage, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	var out struct {
		Negotiations []json.RawMessage `json:"negotiations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/negotiations", query, nil, &out)
	return out.Negotiations, err
}

// Negotiation returns the raw negotiation record for a counterparty handle.
func (c *Client) Negotiation(ctx context.Context, counterparty string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/v1/negotiations/"+url.PathEscape(counterparty), nil, nil, &out)
	return out, err
}

// Escrows returns the polling snapshot.
func (c *Client) Escrows(ctx context.Context) (EscrowSnapshot, error) {
	var snapshot EscrowSnapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/escrows", nil, nil, &snapshot)
	return snapshot, err
}

// CancelEscrow asks the polling engine to cancel an escrow on its next cycle.
func (c *Client) CancelEscrow(ctx context.Context, escrow string) (Escrow, error) {
	var task Escrow
	err := c.do(ctx, http.MethodPost, "/api/v1/escrows/"+url.PathEscape(escrow)+"/cancel", nil, nil, &task)
	return task, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
