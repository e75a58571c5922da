package api

// Request bodies are the planner request types and ledger.Contact; the
// only API-specific shapes are the envelopes below.

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	StatusCode  int            `json:"statusCode"`
	Message     string         `json:"message"`
	MessageCode string         `json:"messageCode"`
	Details     map[string]any `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
