// Package client is a small Go client for the foreman HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	AgentID string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithAgentID sets the X-Agent-ID header sent with every request.
func WithAgentID(agent string) Option {
	return func(c *Client) {
		c.AgentID = strings.TrimSpace(agent)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 45 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type TaskRef struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
}

type Task struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Priority  int       `json:"priority"`
	Assignee  string    `json:"assignee,omitempty"`
	DependsOn []TaskRef `json:"depends_on,omitempty"`
	BlockedBy []TaskRef `json:"blocked_by,omitempty"`
}

type Lease struct {
	ID        string   `json:"id"`
	AgentID   string   `json:"agent_id"`
	Patterns  []string `json:"patterns"`
	Mode      string   `json:"mode"`
	Reason    string   `json:"reason,omitempty"`
	CreatedAt string   `json:"created_at"`
	ExpiresAt string   `json:"expires_at"`
}

type ConflictDetail struct {
	LeaseID        string `json:"lease_id"`
	HolderID       string `json:"holder_id"`
	Mode           string `json:"mode"`
	Pattern        string `json:"pattern"`
	AgainstPattern string `json:"against_pattern"`
	Reason         string `json:"reason,omitempty"`
	Remaining      int64  `json:"remaining"`
}

// Outcome mirrors the assignment decision returned by POST /api/assign.
type Outcome struct {
	Kind      string           `json:"outcome"`
	Task      Task             `json:"task"`
	Lease     Lease            `json:"lease"`
	Blockers  []TaskRef        `json:"blockers,omitempty"`
	Conflicts []ConflictDetail `json:"conflicts,omitempty"`
	Message   string           `json:"message,omitempty"`
}

type AssignRequest struct {
	TaskID     string   `json:"task_id"`
	AgentID    string   `json:"agent_id"`
	Patterns   []string `json:"patterns"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// Assign requests an assignment. The outcome kind tells the caller what
// happened; only transport failures return a non-nil error.
func (c *Client) Assign(ctx context.Context, req AssignRequest) (Outcome, error) {
	resp, err := c.postJSON(ctx, "/api/assign", req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()
	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	if out.Kind == "" {
		return Outcome{}, fmt.Errorf("assign failed: %d", resp.StatusCode)
	}
	return out, nil
}

// Complete closes a task and releases the leases taken for it.
func (c *Client) Complete(ctx context.Context, taskID, agentID, reason string) error {
	resp, err := c.postJSON(ctx, "/api/complete", map[string]string{
		"task_id":  taskID,
		"agent_id": agentID,
		"reason":   reason,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("complete failed: %d", resp.StatusCode)
	}
	return nil
}

type ReserveRequest struct {
	AgentID    string   `json:"agent_id"`
	Patterns   []string `json:"patterns"`
	Mode       string   `json:"mode,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	TTLMinutes int      `json:"ttl_minutes,omitempty"`
}

// ConflictError is returned by Reserve when the patterns collide with live
// leases held by other agents.
type ConflictError struct {
	Conflicts []ConflictDetail
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservation conflicts with %d lease(s)", len(e.Conflicts))
}

// Reserve acquires a lease directly, outside the assignment pipeline.
func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (Lease, error) {
	resp, err := c.postJSON(ctx, "/api/reservations", req)
	if err != nil {
		return Lease{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		var lease Lease
		if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
			return Lease{}, fmt.Errorf("decode lease: %w", err)
		}
		return lease, nil
	case http.StatusConflict:
		var body struct {
			Conflicts []ConflictDetail `json:"conflicts"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return Lease{}, fmt.Errorf("decode conflicts: %w", err)
		}
		return Lease{}, &ConflictError{Conflicts: body.Conflicts}
	default:
		return Lease{}, fmt.Errorf("reserve failed: %d", resp.StatusCode)
	}
}

// Release frees a lease by ID. The client's agent identity must match the
// lease holder.
func (c *Client) Release(ctx context.Context, leaseID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/reservations/"+url.PathEscape(leaseID), nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("release failed: %d", resp.StatusCode)
	}
	return nil
}

// ActiveReservations lists live leases, optionally filtered to one agent.
func (c *Client) ActiveReservations(ctx context.Context, agent string) ([]Lease, error) {
	endpoint := "/api/reservations"
	if agent != "" {
		endpoint += "?agent=" + url.QueryEscape(agent)
	}
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list reservations failed: %d", resp.StatusCode)
	}
	var body struct {
		Reservations []Lease `json:"reservations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode reservations: %w", err)
	}
	return body.Reservations, nil
}

// CheckConflicts dry-runs an acquire without registering anything.
func (c *Client) CheckConflicts(ctx context.Context, agent, mode string, patterns []string) ([]ConflictDetail, error) {
	values := url.Values{}
	for _, p := range patterns {
		values.Add("pattern", p)
	}
	if agent != "" {
		values.Set("agent", agent)
	}
	if mode != "" {
		values.Set("mode", mode)
	}
	resp, err := c.get(ctx, "/api/reservations/conflicts?"+values.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("conflict check failed: %d", resp.StatusCode)
	}
	var body struct {
		Conflicts []ConflictDetail `json:"conflicts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode conflicts: %w", err)
	}
	return body.Conflicts, nil
}

// ReadyTasks lists open, unassigned tasks whose dependencies are all closed.
func (c *Client) ReadyTasks(ctx context.Context, project string) ([]Task, error) {
	values := url.Values{}
	values.Set("ready", "1")
	if project != "" {
		values.Set("project", project)
	}
	resp, err := c.get(ctx, "/api/tasks?"+values.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list ready tasks failed: %d", resp.StatusCode)
	}
	var body struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return body.Tasks, nil
}

// GetTask fetches one task with its dependency edges.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	resp, err := c.get(ctx, "/api/tasks/"+url.PathEscape(id))
	if err != nil {
		return Task{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return Task{}, fmt.Errorf("get task failed: %d", resp.StatusCode)
	}
	var body struct {
		Task Task `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return body.Task, nil
}

type CreateTaskRequest struct {
	Project   string   `json:"project"`
	Title     string   `json:"title"`
	Priority  int      `json:"priority,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// CreateTask seeds a task into the backlog.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error) {
	resp, err := c.postJSON(ctx, "/api/tasks", req)
	if err != nil {
		return Task{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return Task{}, fmt.Errorf("create task failed: %d", resp.StatusCode)
	}
	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	return c.HTTP.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.AgentID != "" {
		req.Header.Set("X-Agent-ID", c.AgentID)
	}
}
