// Package library provides the data-plane node executors: HTTP calls,
// database queries, object storage, caches, and message brokers. They are
// registered in init, so importing the package for side effects makes the
// whole set available.
package library

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

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// httpRecorder is the optional capability the execution context exposes in
// dev mode for capturing outbound calls.
type httpRecorder interface {
	RecordHTTP(nodeID, method, url string, statusCode int, duration time.Duration, errMsg string)
}

// HTTPRequestNode calls an external HTTP endpoint.
type HTTPRequestNode struct {
	client *http.Client
}

// NewHTTPRequestNode creates a new HTTP request node
func NewHTTPRequestNode() *HTTPRequestNode {
	return &HTTPRequestNode{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Type returns the node type
func (n *HTTPRequestNode) Type() string {
	return "httpRequest"
}

// Metadata returns node metadata
func (n *HTTPRequestNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "httpRequest",
		Name:        "HTTP Request",
		Description: "Call an external API over HTTP",
		Category:    "network",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Response status, headers, and body"},
		},
	}
}

// Execute performs the request. Non-2xx responses fail the node unless
// failOnError is disabled; 5xx and 429 are transient, other statuses
// permanent, so a wrapping retry node does the right thing.
func (n *HTTPRequestNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	method := strings.ToUpper(runtime.StringParam(in.Parameters, "method", http.MethodGet))
	rawURL := runtime.StringParam(in.Parameters, "url", "")
	if rawURL == "" {
		return nil, runtime.ConfigError("url is required", nil)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, runtime.ConfigError("invalid url", err)
	}
	if q := runtime.MapParam(in.Parameters, "queryParams"); len(q) > 0 {
		values := parsed.Query()
		for k, v := range q {
			values.Set(k, fmt.Sprintf("%v", v))
		}
		parsed.RawQuery = values.Encode()
	}

	bodyReader, contentType, err := n.requestBody(in.Parameters, method)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), bodyReader)
	if err != nil {
		return nil, runtime.ConfigError("building request failed", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range runtime.MapParam(in.Parameters, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	n.applyAuth(req, in.Parameters)

	client := n.client
	if d := runtime.DurationParam(in.Parameters, "timeout", 0); d > 0 {
		client = &http.Client{Timeout: d}
	}

	started := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		n.record(in, method, parsed.String(), 0, elapsed, err.Error())
		if ctx.Err() != nil {
			return nil, runtime.CancelledError("request cancelled")
		}
		return nil, runtime.TransientError("request failed", err)
	}
	defer resp.Body.Close()

	n.record(in, method, parsed.String(), resp.StatusCode, elapsed, "")

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, runtime.TransientError("reading response failed", err)
	}

	data := map[string]interface{}{
		"statusCode":    resp.StatusCode,
		"statusMessage": resp.Status,
		"headers":       flattenHeaders(resp.Header),
		"body":          decodeBody(respBody, resp.Header.Get("Content-Type")),
		"ok":            resp.StatusCode >= 200 && resp.StatusCode < 300,
	}

	if runtime.BoolParam(in.Parameters, "failOnError", true) && resp.StatusCode >= 400 {
		msg := fmt.Sprintf("request returned %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return runtime.MainOutput(data), runtime.TransientError(msg, nil)
		}
		return runtime.MainOutput(data), runtime.PermanentError(msg, nil)
	}
	return runtime.MainOutput(data), nil
}

func (n *HTTPRequestNode) requestBody(params map[string]interface{}, method string) (io.Reader, string, error) {
	body, ok := params["body"]
	if !ok || body == nil {
		return nil, "", nil
	}
	if method == http.MethodGet || method == http.MethodHead {
		return nil, "", nil
	}

	switch runtime.StringParam(params, "bodyType", "json") {
	case "json":
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, "", runtime.ConfigError("encoding request body failed", err)
		}
		return bytes.NewReader(encoded), "application/json", nil
	case "form", "urlencoded":
		form := url.Values{}
		if m, ok := body.(map[string]interface{}); ok {
			for k, v := range m {
				form.Set(k, fmt.Sprintf("%v", v))
			}
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return strings.NewReader(fmt.Sprintf("%v", body)), "text/plain", nil
	}
}

func (n *HTTPRequestNode) applyAuth(req *http.Request, params map[string]interface{}) {
	switch runtime.StringParam(params, "authentication", "none") {
	case "basic":
		req.SetBasicAuth(
			runtime.StringParam(params, "username", ""),
			runtime.StringParam(params, "password", ""),
		)
	case "bearer":
		if token := runtime.StringParam(params, "token", ""); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "apiKey":
		name := runtime.StringParam(params, "apiKeyName", "X-API-Key")
		value := runtime.StringParam(params, "apiKeyValue", "")
		if runtime.StringParam(params, "apiKeyLocation", "header") == "query" {
			q := req.URL.Query()
			q.Set(name, value)
			req.URL.RawQuery = q.Encode()
			return
		}
		req.Header.Set(name, value)
	}
}

func (n *HTTPRequestNode) record(in *runtime.ExecutionInput, method, url string, status int, d time.Duration, errMsg string) {
	if rec, ok := in.Context.(httpRecorder); ok {
		rec.RecordHTTP(in.Node.ID, method, url, status, d, errMsg)
	}
}

// decodeBody parses JSON responses into structured data and leaves everything
// else as a string.
func decodeBody(body []byte, contentType string) interface{} {
	if strings.Contains(contentType, "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(body, &decoded); err == nil {
			return decoded
		}
	}
	return string(body)
}

func flattenHeaders(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func init() {
	runtime.Register(NewHTTPRequestNode())
}
