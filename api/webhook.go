package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

// maxWebhookBody bounds the payload of a webhook call.
const maxWebhookBody = 1 << 20

// WebhookResponse is the body of a successful webhook call.
type WebhookResponse struct {
	Success  bool   `json:"success"`
	RunID    string `json:"runId"`
	StepName string `json:"stepName"`
	FlowName string `json:"flowName"`
}

// handleWebhook resolves the webhook await of a step. The request body,
// if any, must be JSON and becomes the await's resolution payload.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	flowName, runID, step := vars["flow"], vars["runId"], vars["step"]
	if flowName == "" || runID == "" || step == "" {
		respondWithError(w, http.StatusBadRequest, "flow, runId and step are required")
		return
	}

	payload, err := readPayload(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.eng.ResolveWebhook(r.Context(), flowName, runID, step, r.Method, payload); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, WebhookResponse{
		Success:  true,
		RunID:    runID,
		StepName: step,
		FlowName: flowName,
	})
}

func (a *API) handleWebhookMissingParams(w http.ResponseWriter, _ *http.Request) {
	respondWithError(w, http.StatusBadRequest, "flow, runId and step are required")
}

// readPayload returns the JSON body of r, or nil when it is empty.
func readPayload(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errInvalidJSON
	}
	return body, nil
}
