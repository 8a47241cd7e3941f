package kernel

import (
	"fmt"

	"jarvis/pkg/jarvis"
)

// runSafely executes fn and converts panics into returned errors tagged with scope.
// It is used at goroutine and lifecycle boundaries to prevent process-wide crashes.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}

// runHandlerSafely executes a command handler and converts panics into
// returned errors so one faulting handler never crashes a dispatch.
func runHandlerSafely(scope string, fn func() (jarvis.Result, error)) (result jarvis.Result, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		result = jarvis.Result{}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	result, err = fn()
	if err != nil {
		return result, fmt.Errorf("%s: %w", scope, err)
	}

	return result, nil
}
