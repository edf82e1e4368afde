package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/xraph/cascade/engine"
)

var errInvalidJSON = errors.New("body is not valid JSON")

const (
	defaultLimit = 50
	maxLimit     = 500
)

// StartRequest is the body of POST /flows/{flow}/start.
type StartRequest struct {
	// RunID is optional. Starting an existing id does not create a second run.
	RunID string          `json:"runId,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StartResponse is the reply to a flow start.
type StartResponse struct {
	RunID    string `json:"runId"`
	FlowName string `json:"flowName"`
}

func (a *API) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string][]string{"flows": a.eng.FlowNames()})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit = min(max(limit, 1), maxLimit)

	runs, err := a.eng.Runs(r.Context(), mux.Vars(r)["flow"], offset, limit)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, runs)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	view, err := a.eng.Run(r.Context(), vars["flow"], vars["runId"])
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (a *API) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	body, err := readPayload(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body != nil {
		if err := json.Unmarshal(body, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	flowName := mux.Vars(r)["flow"]
	var opts []engine.StartOption
	if req.RunID != "" {
		opts = append(opts, engine.WithRunID(req.RunID))
	}
	runID, err := a.eng.StartFlow(r.Context(), flowName, req.Input, opts...)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, StartResponse{RunID: runID, FlowName: flowName})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// TriggerResponse is the reply to an external event delivery.
type TriggerResponse struct {
	Event    string `json:"event"`
	Resolved int    `json:"resolved"`
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := mux.Vars(r)["name"]
	n, err := a.eng.Trigger(r.Context(), name, payload)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, TriggerResponse{Event: name, Resolved: n})
}
