package workload

import "fmt"

// StepError names the workload step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

func wrapStep(step string, err error) error {
	return &StepError{Step: step, Err: err}
}
