// Package executors holds one TypeExecutor per test type
package executors

import "github.com/mqxerror/qa-guardian/internal/execution"

// NewRegistry registers the executor of every test type
func NewRegistry() *execution.Registry {
	return execution.NewRegistry(
		NewE2EExecutor(),
		NewVisualExecutor(),
		NewPerformanceExecutor(),
		NewLoadExecutor(),
		NewAccessibilityExecutor(),
	)
}
