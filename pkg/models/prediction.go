// Package models contains shared data models used across the ImageMill codebase.
package models

// Prediction statuses reported by the inference provider. A prediction is
// terminal once it reaches succeeded, failed, or canceled.
const (
	PredictionStarting   = "starting"
	PredictionProcessing = "processing"
	PredictionSucceeded  = "succeeded"
	PredictionFailed     = "failed"
	PredictionCanceled   = "canceled"
)

// Prediction is one inference-provider work item, tracked from submission to
// terminal status. It is a transient value threaded through the workflow;
// the provider owns it, nothing here persists it.
type Prediction struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Output *string `json:"output,omitempty"`
	Error  *string `json:"error,omitempty"`
}

// Terminal reports whether no further status transition can occur.
func (p *Prediction) Terminal() bool {
	return TerminalPredictionStatus(p.Status)
}

// TerminalPredictionStatus reports whether s is a terminal provider status.
func TerminalPredictionStatus(s string) bool {
	return s == PredictionSucceeded || s == PredictionFailed || s == PredictionCanceled
}

// ValidPredictionStatus reports whether s is a status the provider may emit.
func ValidPredictionStatus(s string) bool {
	switch s {
	case PredictionStarting, PredictionProcessing, PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	}
	return false
}
