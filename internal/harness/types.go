package harness

// StepResult is the observed outcome of one step.
type StepResult struct {
	Op string `json:"op"`

	// Outcome is "ok", "count N", "missing" or "error CODE".
	Outcome string `json:"outcome"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success.
	// True if every step met its expectation and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains the store commands in issue order.
	Trace []string `json:"trace"`

	Steps []StepResult `json:"steps"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []string{},
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep records the outcome of a step.
func (r *Result) AddStep(op, outcome string) {
	r.Steps = append(r.Steps, StepResult{Op: op, Outcome: outcome})
}
