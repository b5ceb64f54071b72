package orchestrator

import (
	"fmt"

	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// ReadinessError reports a function that never reached an updatable state.
// It carries the last observed lifecycle state and update status so the
// caller can tell a stuck update from a broken function.
type ReadinessError struct {
	FunctionName     string
	State            lambdatypes.State
	LastUpdateStatus lambdatypes.LastUpdateStatus
	Attempts         int
	// Exhausted is set when the attempt budget ran out while the
	// function was still pending.
	Exhausted bool
}

func (e *ReadinessError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("function %s still pending after %d poll attempts (state %q, last update status %q)",
			e.FunctionName, e.Attempts, e.State, e.LastUpdateStatus)
	}
	return fmt.Sprintf("function %s is not updatable: state is %q (must be %q) and last update status is %q (must be %q)",
		e.FunctionName, e.State, lambdatypes.StateActive, e.LastUpdateStatus, lambdatypes.LastUpdateStatusSuccessful)
}
