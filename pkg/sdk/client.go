// Package sdk provides a Go client for the FlowGrid API.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is the FlowGrid API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// Service clients
	Workflows   *WorkflowService
	Executions  *ExecutionService
	NodeTypes   *NodeTypeService
	Credentials *CredentialService
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the JWT bearer token for authentication.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a new FlowGrid API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Workflows = &WorkflowService{client: c}
	c.Executions = &ExecutionService{client: c}
	c.NodeTypes = &NodeTypeService{client: c}
	c.Credentials = &CredentialService{client: c}

	return c
}

// request makes an HTTP request to the API.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.httpClient.Do(req)
}

// decodeResponse decodes the JSON response body.
func (c *Client) decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("API error: %d", resp.StatusCode)
		}
		errResp.StatusCode = resp.StatusCode
		return &errResp
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// ErrorResponse is the API error envelope.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// WorkflowService handles workflow operations.
type WorkflowService struct {
	client *Client
}

// Create creates a new workflow.
func (s *WorkflowService) Create(ctx context.Context, wf *Workflow) (*Workflow, error) {
	resp, err := s.client.request(ctx, http.MethodPost, "/api/v1/workflows", nil, wf)
	if err != nil {
		return nil, err
	}
	var created Workflow
	if err := s.client.decodeResponse(resp, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Get retrieves a workflow by id.
func (s *WorkflowService) Get(ctx context.Context, id string) (*Workflow, error) {
	resp, err := s.client.request(ctx, http.MethodGet, "/api/v1/workflows/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := s.client.decodeResponse(resp, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// List retrieves workflows matching the options.
func (s *WorkflowService) List(ctx context.Context, opts *ListOptions) (*WorkflowList, error) {
	query := url.Values{}
	if opts != nil {
		if opts.Active != nil {
			query.Set("active", strconv.FormatBool(*opts.Active))
		}
		if opts.Limit > 0 {
			query.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	resp, err := s.client.request(ctx, http.MethodGet, "/api/v1/workflows", query, nil)
	if err != nil {
		return nil, err
	}
	var list WorkflowList
	if err := s.client.decodeResponse(resp, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Update replaces an existing workflow.
func (s *WorkflowService) Update(ctx context.Context, id string, wf *Workflow) (*Workflow, error) {
	resp, err := s.client.request(ctx, http.MethodPut, "/api/v1/workflows/"+id, nil, wf)
	if err != nil {
		return nil, err
	}
	var updated Workflow
	if err := s.client.decodeResponse(resp, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete deletes a workflow.
func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	resp, err := s.client.request(ctx, http.MethodDelete, "/api/v1/workflows/"+id, nil, nil)
	if err != nil {
		return err
	}
	return s.client.decodeResponse(resp, nil)
}

// Activate marks a workflow active so its triggers fire.
func (s *WorkflowService) Activate(ctx context.Context, id string) (*Workflow, error) {
	return s.setActive(ctx, id, "activate")
}

// Deactivate marks a workflow inactive.
func (s *WorkflowService) Deactivate(ctx context.Context, id string) (*Workflow, error) {
	return s.setActive(ctx, id, "deactivate")
}

func (s *WorkflowService) setActive(ctx context.Context, id, action string) (*Workflow, error) {
	resp, err := s.client.request(ctx, http.MethodPost, "/api/v1/workflows/"+id+"/"+action, nil, nil)
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := s.client.decodeResponse(resp, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Run submits an execution and waits for the result.
func (s *WorkflowService) Run(ctx context.Context, id string, req *RunRequest) (*Execution, error) {
	if req == nil {
		req = &RunRequest{}
	}
	req.Wait = true

	resp, err := s.client.request(ctx, http.MethodPost, "/api/v1/workflows/"+id+"/run", nil, req)
	if err != nil {
		return nil, err
	}
	var exec Execution
	if err := s.client.decodeResponse(resp, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// RunAsync submits an execution and returns its id immediately.
func (s *WorkflowService) RunAsync(ctx context.Context, id string, req *RunRequest) (int64, error) {
	if req == nil {
		req = &RunRequest{}
	}
	req.Wait = false

	resp, err := s.client.request(ctx, http.MethodPost, "/api/v1/workflows/"+id+"/run", nil, req)
	if err != nil {
		return 0, err
	}
	var accepted RunAccepted
	if err := s.client.decodeResponse(resp, &accepted); err != nil {
		return 0, err
	}
	return accepted.ExecutionID, nil
}

// ExecutionService handles execution operations.
type ExecutionService struct {
	client *Client
}

// Get retrieves an execution by id.
func (s *ExecutionService) Get(ctx context.Context, id int64) (*Execution, error) {
	resp, err := s.client.request(ctx, http.MethodGet, "/api/v1/executions/"+strconv.FormatInt(id, 10), nil, nil)
	if err != nil {
		return nil, err
	}
	var exec Execution
	if err := s.client.decodeResponse(resp, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// List retrieves recent executions, optionally filtered by workflow.
func (s *ExecutionService) List(ctx context.Context, workflowID string, limit int) (*ExecutionList, error) {
	query := url.Values{}
	if workflowID != "" {
		query.Set("workflowId", workflowID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	resp, err := s.client.request(ctx, http.MethodGet, "/api/v1/executions", query, nil)
	if err != nil {
		return nil, err
	}
	var list ExecutionList
	if err := s.client.decodeResponse(resp, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Cancel requests cancellation of a running execution.
func (s *ExecutionService) Cancel(ctx context.Context, id int64) error {
	resp, err := s.client.request(ctx, http.MethodPost,
		"/api/v1/executions/"+strconv.FormatInt(id, 10)+"/cancel", nil, nil)
	if err != nil {
		return err
	}
	return s.client.decodeResponse(resp, nil)
}

// StepContinue releases one paused dispatch in step mode.
func (s *ExecutionService) StepContinue(ctx context.Context, id int64) error {
	resp, err := s.client.request(ctx, http.MethodPost,
		"/api/v1/executions/"+strconv.FormatInt(id, 10)+"/step/continue", nil, nil)
	if err != nil {
		return err
	}
	return s.client.decodeResponse(resp, nil)
}

// StepReset turns step mode off and lets the execution run freely.
func (s *ExecutionService) StepReset(ctx context.Context, id int64) error {
	resp, err := s.client.request(ctx, http.MethodPost,
		"/api/v1/executions/"+strconv.FormatInt(id, 10)+"/step/reset", nil, nil)
	if err != nil {
		return err
	}
	return s.client.decodeResponse(resp, nil)
}

// NodeTypeService exposes node discovery.
type NodeTypeService struct {
	client *Client
}

// List retrieves the registered node types.
func (s *NodeTypeService) List(ctx context.Context) (*NodeTypeList, error) {
	resp, err := s.client.request(ctx, http.MethodGet, "/api/v1/node-types", nil, nil)
	if err != nil {
		return nil, err
	}
	var list NodeTypeList
	if err := s.client.decodeResponse(resp, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CredentialService handles vault operations.
type CredentialService struct {
	client *Client
}

// Put creates or replaces a credential.
func (s *CredentialService) Put(ctx context.Context, cred *Credential) error {
	resp, err := s.client.request(ctx, http.MethodPut, "/api/v1/credentials/"+cred.Name, nil, cred)
	if err != nil {
		return err
	}
	return s.client.decodeResponse(resp, nil)
}

// List retrieves credentials with their data masked.
func (s *CredentialService) List(ctx context.Context) (*CredentialList, error) {
	resp, err := s.client.request(ctx, http.MethodGet, "/api/v1/credentials", nil, nil)
	if err != nil {
		return nil, err
	}
	var list CredentialList
	if err := s.client.decodeResponse(resp, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Delete removes a credential.
func (s *CredentialService) Delete(ctx context.Context, name string) error {
	resp, err := s.client.request(ctx, http.MethodDelete, "/api/v1/credentials/"+name, nil, nil)
	if err != nil {
		return err
	}
	return s.client.decodeResponse(resp, nil)
}
