// Package validate runs lightweight validators over user text before
// routing. The built-in set is a placeholder; policy or coherency checks
// hook in here.
package validate

import "github.com/voxcore/voxcore/internal/model"

// Result is the outcome of one validator pass.
type Result struct {
	ValidatorID string                `json:"id"`
	Code        string                `json:"code"`
	Status      model.ValidatorStatus `json:"status"`
	Message     string                `json:"message"`
	Details     map[string]any        `json:"details,omitempty"`
}

// Run evaluates all validators against the user text.
func Run(text string) []Result {
	return []Result{
		{
			ValidatorID: "basic.coherency",
			Code:        "validator.ok",
			Status:      model.ValidatorOK,
			Message:     "coherent",
		},
	}
}

// ShouldRetry reports whether any validator suggests a retry.
func ShouldRetry(results []Result) bool {
	for _, r := range results {
		if r.Status == model.ValidatorRetry {
			return true
		}
	}
	return false
}

// IsBlocked reports whether any validator signals error or escalate.
func IsBlocked(results []Result) bool {
	for _, r := range results {
		if r.Status == model.ValidatorError || r.Status == model.ValidatorEscalate {
			return true
		}
	}
	return false
}
