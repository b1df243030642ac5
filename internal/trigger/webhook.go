package trigger

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

// Webhooks turns inbound HTTP deliveries into executions. The gateway mounts
// Handler under /hooks/; the workflow id in the path selects the workflow.
type Webhooks struct {
	engine    Submitter
	workflows store.Store
	log       logger.Logger
}

// NewWebhooks creates the webhook receiver.
func NewWebhooks(eng Submitter, workflows store.Store, log logger.Logger) *Webhooks {
	return &Webhooks{engine: eng, workflows: workflows, log: log}
}

// Handler returns the router serving POST (or the configured method) on
// /hooks/{workflowID}.
func (w *Webhooks) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/hooks/{workflowID}", w.deliver)
	return r
}

// deliver validates the delivery against the workflow's webhook trigger node
// and submits the execution. The response carries the execution id; callers
// poll or subscribe for the outcome.
func (w *Webhooks) deliver(rw http.ResponseWriter, req *http.Request) {
	workflowID := mux.Vars(req)["workflowID"]

	wf, err := w.workflows.Get(req.Context(), workflowID)
	if err == store.ErrNotFound {
		http.Error(rw, "unknown workflow", http.StatusNotFound)
		return
	}
	if err != nil {
		w.log.Error("loading webhook workflow failed", "workflow_id", workflowID, "error", err)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	if !wf.Active {
		http.Error(rw, "workflow is not active", http.StatusConflict)
		return
	}

	node, ok := triggerNode(wf, "webhookTrigger")
	if !ok {
		http.Error(rw, "workflow has no webhook trigger", http.StatusNotFound)
		return
	}
	method, _ := node.Parameters["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	if !strings.EqualFold(req.Method, method) {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if secret, _ := node.Parameters["secret"].(string); secret != "" {
		if req.Header.Get("X-Webhook-Secret") != secret {
			http.Error(rw, "invalid webhook secret", http.StatusUnauthorized)
			return
		}
	}

	input := w.payload(req)
	id, err := w.engine.Submit(req.Context(), wf, input, engine.Options{TriggerType: model.TriggerWebhook})
	if err != nil {
		if model.IsValidationError(err) {
			http.Error(rw, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.log.Error("webhook submission failed", "workflow_id", workflowID, "error", err)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	w.log.Info("webhook fired", "workflow_id", workflowID, "execution_id", id)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]interface{}{"executionId": id})
}

// payload shapes the trigger input: parsed JSON body (when there is one),
// query parameters, and a header map.
func (w *Webhooks) payload(req *http.Request) map[string]interface{} {
	var body interface{}
	if req.Body != nil {
		defer req.Body.Close()
		var decoded interface{}
		if err := json.NewDecoder(req.Body).Decode(&decoded); err == nil {
			body = decoded
		}
	}

	query := make(map[string]interface{})
	for k, vs := range req.URL.Query() {
		if len(vs) == 1 {
			query[k] = vs[0]
		} else {
			query[k] = vs
		}
	}

	headers := make(map[string]interface{})
	for k, vs := range req.Header {
		headers[k] = strings.Join(vs, ", ")
	}

	return map[string]interface{}{
		"body":    body,
		"query":   query,
		"headers": headers,
		"method":  req.Method,
		"path":    req.URL.Path,
	}
}
