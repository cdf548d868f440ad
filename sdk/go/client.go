package councilsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Agent Council HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set. Servers
	// accept it only with allow_actor_header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	TargetAgent string          `json:"target_agent,omitempty"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retries     int             `json:"retries"`
	CreatedAt   string          `json:"created_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
}

type AssignRequest struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	TargetAgent string         `json:"target_agent,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	MaxRetries  *int           `json:"max_retries,omitempty"`
	TimeoutMs   int64          `json:"timeout_ms,omitempty"`
}

type AssignResult struct {
	TaskID  string `json:"task_id"`
	Warning string `json:"warning,omitempty"`
}

type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

type Proposal struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id"`
	ProjectID        string         `json:"project_id,omitempty"`
	ActionType       string         `json:"action_type"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Status           string         `json:"status"`
	RequiresApproval bool           `json:"requires_approval"`
	Urgency          string         `json:"urgency"`
	CreatedAt        string         `json:"created_at"`
	DecidedAt        string         `json:"decided_at,omitempty"`
	DecidedBy        string         `json:"decided_by,omitempty"`
	ExpiresAt        string         `json:"expires_at,omitempty"`
}

type ProposalRequest struct {
	ProjectID        string         `json:"project_id,omitempty"`
	ActionType       string         `json:"action_type"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	RequiresApproval *bool          `json:"requires_approval,omitempty"`
	Urgency          string         `json:"urgency,omitempty"`
	TTLSeconds       int64          `json:"ttl_seconds,omitempty"`
}

type Signoff struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	ChangeType     string            `json:"change_type"`
	ChangeID       string            `json:"change_id,omitempty"`
	Phase          string            `json:"phase,omitempty"`
	Title          string            `json:"title"`
	RequiredAgents []string          `json:"required_agents"`
	Votes          map[string]string `json:"votes"`
	Status         string            `json:"status"`
	Strictness     string            `json:"strictness"`
	CreatedAt      string            `json:"created_at"`
	ResolvedAt     string            `json:"resolved_at,omitempty"`
	ResolvedBy     string            `json:"resolved_by,omitempty"`
	ExpiresAt      string            `json:"expires_at,omitempty"`
}

type SignoffRequest struct {
	ProjectID      string         `json:"project_id"`
	ChangeType     string         `json:"change_type"`
	ChangeID       string         `json:"change_id,omitempty"`
	Phase          string         `json:"phase,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	RequiredAgents []string       `json:"required_agents,omitempty"`
	Strictness     string         `json:"strictness,omitempty"`
	TTLSeconds     int64          `json:"ttl_seconds,omitempty"`
}

type Gate struct {
	SignoffID  string `json:"signoff_id"`
	Status     string `json:"status"`
	Strictness string `json:"strictness"`
	MayProceed bool   `json:"may_proceed"`
}

type Agent struct {
	ID           string   `json:"id"`
	House        string   `json:"house"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	LastActiveAt string   `json:"last_active_at,omitempty"`
}

type AgentHealth struct {
	AgentID      string `json:"agent_id"`
	House        string `json:"house"`
	Alive        bool   `json:"alive"`
	Status       string `json:"status"`
	LastActivity string `json:"last_activity,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Stats struct {
	Agents           map[string]int `json:"agents"`
	Tasks            map[string]int `json:"tasks"`
	PendingProposals int            `json:"pending_proposals"`
	PendingSignoffs  int            `json:"pending_signoffs"`
	ActiveSessions   int            `json:"active_sessions"`
	LogEntries       int            `json:"log_entries"`
}

// LogEntry represents an audit log row.
type LogEntry struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	EventType string         `json:"event_type"`
	ProjectID string         `json:"project_id,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// LogPage wraps log listings with a cursor for the next, older page.
type LogPage struct {
	Items      []LogEntry `json:"items"`
	NextCursor int64      `json:"next_cursor,omitempty"`
}

type LogQuery struct {
	AgentID   string
	ProjectID string
	EventType string
	Before    int64
	Limit     int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AssignTask queues a task. A non-empty Warning means the target agent is
// not registered and the task waits for it.
func (c *Client) AssignTask(ctx context.Context, req AssignRequest) (AssignResult, error) {
	var resp AssignResult
	err := c.do(ctx, http.MethodPost, "tasks", req, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks filters by status and project; empty values match all.
func (c *Client) ListTasks(ctx context.Context, projectID, status string, limit int) ([]Task, error) {
	q := url.Values{}
	setQuery(q, "project_id", projectID)
	setQuery(q, "status", status)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// CancelTask cancels a task and every task depending on it.
func (c *Client) CancelTask(ctx context.Context, id, reason string) ([]Task, error) {
	var resp struct {
		Cancelled []Task `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp.Cancelled, err
}

func (c *Client) StartSession(ctx context.Context, projectID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", map[string]any{"project_id": projectID}, &resp)
	return resp, err
}

func (c *Client) EndSession(ctx context.Context, id, summary string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(id)+"/end", map[string]any{"summary": summary}, &resp)
	return resp, err
}

// ActiveSession returns ok=false when the project has no open session.
func (c *Client) ActiveSession(ctx context.Context, projectID string) (Session, bool, error) {
	var resp struct {
		Active  bool     `json:"active"`
		Session *Session `json:"session"`
	}
	q := url.Values{}
	setQuery(q, "project_id", projectID)
	if err := c.do(ctx, http.MethodGet, withQuery("sessions/active", q), nil, &resp); err != nil {
		return Session{}, false, err
	}
	if !resp.Active || resp.Session == nil {
		return Session{}, false, nil
	}
	return *resp.Session, true, nil
}

func (c *Client) CreateProposal(ctx context.Context, req ProposalRequest) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", req, &resp)
	return resp, err
}

func (c *Client) ListProposals(ctx context.Context, projectID, status string) ([]Proposal, error) {
	q := url.Values{}
	setQuery(q, "project_id", projectID)
	setQuery(q, "status", status)
	var resp []Proposal
	err := c.do(ctx, http.MethodGet, withQuery("proposals", q), nil, &resp)
	return resp, err
}

func (c *Client) ApproveProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

func (c *Client) RejectProposal(ctx context.Context, id, reason string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) VoteProposal(ctx context.Context, id, vote, reason string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals/"+url.PathEscape(id)+"/votes", map[string]any{"vote": vote, "reason": reason}, &resp)
	return resp, err
}

func (c *Client) RequestSignoff(ctx context.Context, req SignoffRequest) (Signoff, error) {
	var resp Signoff
	err := c.do(ctx, http.MethodPost, "signoffs", req, &resp)
	return resp, err
}

func (c *Client) GetSignoff(ctx context.Context, id string) (Signoff, error) {
	var resp Signoff
	err := c.do(ctx, http.MethodGet, "signoffs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListSignoffs(ctx context.Context, projectID, status string) ([]Signoff, error) {
	q := url.Values{}
	setQuery(q, "project_id", projectID)
	setQuery(q, "status", status)
	var resp []Signoff
	err := c.do(ctx, http.MethodGet, withQuery("signoffs", q), nil, &resp)
	return resp, err
}

// VoteSignoff records a vote as the authenticated actor.
func (c *Client) VoteSignoff(ctx context.Context, id, vote, reason string) (Signoff, error) {
	var resp Signoff
	err := c.do(ctx, http.MethodPost, "signoffs/"+url.PathEscape(id)+"/votes", map[string]any{"vote": vote, "reason": reason}, &resp)
	return resp, err
}

func (c *Client) SignoffGate(ctx context.Context, id string) (Gate, error) {
	var resp Gate
	err := c.do(ctx, http.MethodGet, "signoffs/"+url.PathEscape(id)+"/gate", nil, &resp)
	return resp, err
}

func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) ([]AgentHealth, error) {
	var resp struct {
		Agents []AgentHealth `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "agents/health", nil, &resp)
	return resp.Agents, err
}

// AgentAction posts retry, enable or disable for an agent.
func (c *Client) AgentAction(ctx context.Context, id, action string) (AgentHealth, error) {
	var resp AgentHealth
	err := c.do(ctx, http.MethodPost, "agents/"+url.PathEscape(id)+"/"+action, nil, &resp)
	return resp, err
}

func (c *Client) UnregisterAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "agents/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Log returns a page of audit rows, newest first.
func (c *Client) Log(ctx context.Context, query LogQuery) (LogPage, error) {
	q := url.Values{}
	setQuery(q, "agent_id", query.AgentID)
	setQuery(q, "project_id", query.ProjectID)
	setQuery(q, "event_type", query.EventType)
	if query.Before > 0 {
		q.Set("before", strconv.FormatInt(query.Before, 10))
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	var resp LogPage
	err := c.do(ctx, http.MethodGet, withQuery("log", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
