package api

import (
	"github.com/codeready-toolchain/remedy/pkg/models"
)

// ExecutionResponse is the session detail payload.
type ExecutionResponse struct {
	Session *models.ExecutionSession `json:"session"`
	Steps   []models.ExecutionStep   `json:"steps,omitempty"`
}

// ExecutionListResponse is the paginated session list.
type ExecutionListResponse struct {
	Sessions []*models.ExecutionSession `json:"sessions"`
	Total    int                        `json:"total"`
}

// EventsResponse is the event catchup payload.
type EventsResponse struct {
	Events []models.ExecutionEvent `json:"events"`
}

// StatusResponse is a minimal acknowledgment.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
