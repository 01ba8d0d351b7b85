package sample

import "time"

// Sample is one channel's result for one scan round. Raw, Calibrated and
// Normalized are nil when the value is absent.
type Sample struct {
	Channel    int       `json:"channel"`
	Sink       string    `json:"sink"`
	Elapsed    float64   `json:"elapsed_hours"`
	Raw        *float64  `json:"raw,omitempty"`
	Calibrated *float64  `json:"calibrated,omitempty"`
	Normalized *float64  `json:"normalized,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Point is the query-side view of a persisted sample.
type Point struct {
	Elapsed    float64 `json:"elapsed_hours"`
	Normalized float64 `json:"normalized"`
}

// Float returns a pointer to v, for building optional values.
func Float(v float64) *float64 { return &v }
