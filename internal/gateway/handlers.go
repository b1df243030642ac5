package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowgrid/flowgrid/internal/credential"
	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

const maxBodyBytes = 4 << 20

// respond writes a JSON response body.
func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// respondError writes the error envelope every handler uses.
func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

// storeStatus maps workflow store errors to HTTP statuses.
func storeStatus(err error) int {
	switch err {
	case store.ErrNotFound:
		return http.StatusNotFound
	case store.ErrExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decodeWorkflow(w http.ResponseWriter, r *http.Request) (*model.Workflow, bool) {
	var wf model.Workflow
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		respondError(w, http.StatusBadRequest, "invalid workflow document: "+err.Error())
		return nil, false
	}
	return &wf, true
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{}
	if v := r.URL.Query().Get("active"); v != "" {
		active := v == "true"
		f.Active = &active
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}

	wfs, err := s.workflows.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"workflows": wfs, "count": len(wfs)})
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.decodeWorkflow(w, r)
	if !ok {
		return
	}
	if err := model.Validate(wf); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.workflows.Create(r.Context(), wf); err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respond(w, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respond(w, http.StatusOK, wf)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.decodeWorkflow(w, r)
	if !ok {
		return
	}
	wf.ID = mux.Vars(r)["id"]
	if err := model.Validate(wf); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.workflows.Update(r.Context(), wf); err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respond(w, http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) setWorkflowActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := s.workflows.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respondError(w, storeStatus(err), err.Error())
			return
		}
		wf.Active = active
		if err := s.workflows.Update(r.Context(), wf); err != nil {
			respondError(w, storeStatus(err), err.Error())
			return
		}
		respond(w, http.StatusOK, wf)
	}
}

func (s *Server) exportWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	data, err := model.EncodeIndent(wf)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+wf.ID+`.json"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// importWorkflow accepts an exported document. The JSON Schema gate runs
// before the structural validation, so malformed documents fail with a
// precise message instead of a zero-value decode.
func (s *Server) importWorkflow(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "reading body failed: "+err.Error())
		return
	}

	if err := model.ValidateSchema(raw); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	wf, err := model.Decode(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := model.Validate(wf); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.workflows.Create(r.Context(), wf); err == store.ErrExists {
		if err := s.workflows.Update(r.Context(), wf); err != nil {
			respondError(w, storeStatus(err), err.Error())
			return
		}
	} else if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respond(w, http.StatusCreated, wf)
}

// runRequest is the body of POST /workflows/{id}/run.
type runRequest struct {
	Input          map[string]interface{} `json:"input"`
	DryRun         bool                   `json:"dryRun"`
	StepMode       bool                   `json:"stepMode"`
	TimeoutSeconds int                    `json:"timeoutSeconds"`
	Wait           bool                   `json:"wait"`
}

func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}

	var req runRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	opts := engine.Options{
		TriggerType: model.TriggerManual,
		DryRun:      req.DryRun,
		StepMode:    req.StepMode,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	}
	id, err := s.engine.Submit(r.Context(), wf, req.Input, opts)
	if err != nil {
		if model.IsValidationError(err) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Wait {
		exec, err := s.engine.Await(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respond(w, http.StatusOK, exec)
		return
	}
	respond(w, http.StatusAccepted, map[string]interface{}{"executionId": id})
}

func executionID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	execs, err := s.engine.ListExecutions(r.Context(), r.URL.Query().Get("workflowId"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"executions": execs, "count": len(execs)})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	exec, err := s.engine.Execution(r.Context(), id)
	if err == engine.ErrNotFound {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, exec)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		if err == engine.ErrNotFound {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) stepContinue(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	switch err := s.engine.StepContinue(id); err {
	case nil:
		respond(w, http.StatusOK, map[string]string{"status": "continued"})
	case engine.ErrNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case engine.ErrNotPaused:
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) stepReset(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	switch err := s.engine.StepReset(id); err {
	case nil:
		respond(w, http.StatusOK, map[string]string{"status": "running"})
	case engine.ErrNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// debugBundle exports the inspector's post-mortem snapshot. Outside dev mode
// the endpoint does not exist.
func (s *Server) debugBundle(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Inspector().Enabled() {
		respondError(w, http.StatusNotFound, "inspector is disabled outside dev mode")
		return
	}
	id, ok := executionID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	exec, err := s.engine.Execution(r.Context(), id)
	if err == engine.ErrNotFound {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var wf *model.Workflow
	if loaded, err := s.workflows.Get(r.Context(), exec.WorkflowID); err == nil {
		wf = loaded
	}
	respond(w, http.StatusOK, s.engine.Inspector().Bundle(id, wf, exec))
}

func (s *Server) listNodeTypes(w http.ResponseWriter, r *http.Request) {
	types := s.engine.Registry().List()
	respond(w, http.StatusOK, map[string]interface{}{"nodeTypes": types, "count": len(types)})
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		respondError(w, http.StatusNotFound, "credential vault is not configured")
		return
	}
	creds, err := s.vault.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"credentials": creds, "count": len(creds)})
}

func (s *Server) putCredential(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		respondError(w, http.StatusNotFound, "credential vault is not configured")
		return
	}
	var body struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid credential body: "+err.Error())
		return
	}
	cred := credential.Credential{
		Name: mux.Vars(r)["name"],
		Type: body.Type,
		Data: body.Data,
	}
	if err := s.vault.Put(cred); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"name": cred.Name})
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		respondError(w, http.StatusNotFound, "credential vault is not configured")
		return
	}
	if err := s.vault.Delete(mux.Vars(r)["name"]); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respond(w, http.StatusNoContent, nil)
}
