// Package sentinel is a Go client for the Sentinel Orchestrator REST API.
// Requests are signed with the caller's identity and responses are
// authenticated with the same codec before they are returned.
package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/specialist"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = envelope.DefaultHTTPTimeout

// DefaultPollInterval is used by WaitForJob when no interval is given.
const DefaultPollInterval = 500 * time.Millisecond

// Client wraps the HTTP interactions with the Sentinel REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	codec      *envelope.Codec
	serverID   string
}

// Escrow attaches a payment reference to a verification request.
type Escrow struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

// VerifyRequest describes a subject to be scanned by the coordinator. An
// empty RequestID is replaced with a random UUID.
type VerifyRequest struct {
	RequestID string
	Subject   string
	Context   map[string]any
	Escrow    *Escrow
}

func (r VerifyRequest) payload() map[string]any {
	requestID := r.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	payload := map[string]any{"subject": r.Subject, "request_id": requestID}
	if len(r.Context) > 0 {
		payload["context"] = r.Context
	}
	if r.Escrow != nil {
		payload["escrow"] = map[string]any{"id": r.Escrow.ID, "amount": r.Escrow.Amount}
	}
	return payload
}

// Verdict is the decoded payload of a RESPONSE envelope.
type Verdict struct {
	RequestID         string              `json:"request_id"`
	Classification    string              `json:"classification"`
	Score             int                 `json:"score"`
	Risk              float64             `json:"risk"`
	ContributingCount int                 `json:"contributing_count"`
	Evidence          []string            `json:"evidence"`
	Profile           string              `json:"profile"`
	Absent            []string            `json:"absent"`
	Failed            []string            `json:"failed"`
	Results           []specialist.Result `json:"results"`
	Authenticated     bool                `json:"authenticated"`

	// Envelope is the signed response the verdict was decoded from.
	Envelope envelope.Envelope `json:"-"`
}

// Job mirrors the asynchronous job resource.
type Job struct {
	ID         string          `json:"id"`
	Requester  string          `json:"requester"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Done reports whether the job reached a terminal state.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// AgentInfo describes the server identity.
type AgentInfo struct {
	AgentID     string   `json:"agent_id"`
	PublicKey   string   `json:"public_key"`
	Protocol    string   `json:"protocol"`
	Mode        string   `json:"verification_mode"`
	Specialists []string `json:"specialists"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sentinel api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sentinel api error (%d): %s", e.StatusCode, e.Message)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithServerID sets the coordinator agent ID used as to_id and checked
// against every response's from_id.
func WithServerID(id string) Option {
	return func(c *Client) { c.serverID = strings.TrimSpace(id) }
}

// NewClient instantiates a client. The codec signs outgoing requests and
// authenticates responses, so the server key should be registered in the
// codec's keyring when running in production mode.
func NewClient(rawURL string, codec *envelope.Codec, opts ...Option) (*Client, error) {
	if codec == nil {
		return nil, errors.New("sentinel: codec is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		codec:      codec,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Verify runs a synchronous verification.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (Verdict, error) {
	env, err := c.sign(req)
	if err != nil {
		return Verdict{}, err
	}
	resp, err := envelope.Post(ctx, c.httpClient, c.endpoint("/api/v1/verify"), env)
	if err != nil {
		return Verdict{}, fmt.Errorf("perform request: %w", err)
	}
	return c.verdictFrom(resp)
}

// SubmitJob queues a verification and returns immediately.
func (c *Client) SubmitJob(ctx context.Context, req VerifyRequest) (Job, error) {
	env, err := c.sign(req)
	if err != nil {
		return Job{}, err
	}
	body, err := envelope.Encode(env)
	if err != nil {
		return Job{}, fmt.Errorf("encode request: %w", err)
	}
	var job Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", body, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// WaitForJob polls until the job finishes and returns its authenticated verdict.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Verdict, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Verdict{}, err
		}
		if job.Done() {
			if len(job.Response) == 0 {
				return Verdict{}, &APIError{Code: job.ErrorCode, Message: job.LastError}
			}
			resp, err := envelope.Decode(job.Response)
			if err != nil {
				return Verdict{}, fmt.Errorf("decode job response: %w", err)
			}
			return c.verdictFrom(resp)
		}
		select {
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EscrowBalance returns the escrow balance credited to agentID.
func (c *Client) EscrowBalance(ctx context.Context, agentID string) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/escrow/"+url.PathEscape(agentID), nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// AgentInfo fetches the server identity.
func (c *Client) AgentInfo(ctx context.Context) (AgentInfo, error) {
	var info AgentInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/agent/info", nil, &info); err != nil {
		return AgentInfo{}, err
	}
	return info, nil
}

func (c *Client) sign(req VerifyRequest) (envelope.Envelope, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return envelope.Envelope{}, errors.New("sentinel: subject is required")
	}
	env, err := c.codec.Sign(envelope.TypeRequest, req.payload(), c.serverID)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("sign request: %w", err)
	}
	return env, nil
}

func (c *Client) verdictFrom(resp envelope.Envelope) (Verdict, error) {
	if _, err := c.codec.Authenticate(resp); err != nil {
		return Verdict{}, fmt.Errorf("authenticate response: %w", err)
	}
	if c.serverID != "" && resp.FromID != c.serverID {
		return Verdict{}, fmt.Errorf("sentinel: response signed by %q, expected %q", resp.FromID, c.serverID)
	}
	if resp.Type == envelope.TypeError {
		return Verdict{}, &APIError{
			Code:    envelope.String(resp.Payload, "code"),
			Message: envelope.String(resp.Payload, "error"),
		}
	}
	raw, err := json.Marshal(resp.Payload)
	if err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	v.Envelope = resp
	return v, nil
}

func (c *Client) endpoint(p string) string {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, p)}
	return c.baseURL.ResolveReference(rel).String()
}

func (c *Client) do(ctx context.Context, method, p string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
			_ = json.Unmarshal(data, apiErr)
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
