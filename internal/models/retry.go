package models

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Retry record lifecycle states persisted in Postgres. Completed and deleted
// are terminal; processing covers both actively-retried and abandoned records.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusDeleted    = "deleted"
)

// RetryRecord is one outbound HTTP call to be delivered with retries.
type RetryRecord struct {
	ID            int64             `json:"id"`
	Status        string            `json:"status"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Timeout       time.Duration     `json:"timeout"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers"`
	Reference     json.RawMessage   `json:"reference"`
	Response      json.RawMessage   `json:"response,omitempty"`
	Attempts      int               `json:"attempts"`
	RetryLimit    int               `json:"retry_limit"`
	RetryInterval time.Duration     `json:"retry_interval"`
	PredIDs       []int64           `json:"pred_ids"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// Terminal reports whether the record reached a final state.
func (r RetryRecord) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusDeleted
}

// Abandoned reports whether delivery gave up: still processing but the attempt
// counter passed the retry limit. Status alone will not reveal this, the
// counter is the only signal operators have.
func (r RetryRecord) Abandoned() bool {
	return r.Status == StatusProcessing && r.Attempts > r.RetryLimit
}

var validMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// ValidateMethod rejects anything outside the supported HTTP method set.
func ValidateMethod(method string) error {
	if !validMethods[method] {
		return fmt.Errorf("unsupported http method %q", method)
	}
	return nil
}

// ValidateURL requires an absolute http or https target.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse target url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target url %q must be absolute http(s)", raw)
	}
	return nil
}
