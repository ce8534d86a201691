package errprocess

import (
	"fmt"

	"transcription_worker/pkg/logger"
)

// Wrap log errMsg and return it wrapped around kind, so errors.Is(err, kind) holds
func Wrap(kind error, errMsg string) error {
	logger.Log.Error(errMsg)
	return fmt.Errorf("%w: %s", kind, errMsg)
}
