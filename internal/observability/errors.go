package observability

import (
	"errors"
	"fmt"
)

// JoinStepErrors combines the failures of a multi-step operation (such as unload),
// logs them once through logger, and returns a single wrapped error. Returns nil when every step succeeded.
func JoinStepErrors(logger Logger, operation string, stepErrs []error, fields ...Field) error {
	if logger == nil {
		logger = Log()
	}
	failed := make([]error, 0, len(stepErrs))
	for _, err := range stepErrs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	joined := errors.Join(failed...)
	logger.Error(operation+" finished with errors", append(fields,
		F("operation", operation),
		F("error_count", len(failed)),
		F("error", joined),
	)...)
	return fmt.Errorf("%s: %w", operation, joined)
}
