package api

import "time"

// SessionResponse carries the provider-hosted page the client must redirect to
type SessionResponse struct {
	URL string `json:"url"`
}

// StatusResponse represents the billing standing of a user
type StatusResponse struct {
	Active           bool       `json:"active"`
	Status           string     `json:"status"` // provider status, or "none"
	PlanCode         string     `json:"plan_code,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}
