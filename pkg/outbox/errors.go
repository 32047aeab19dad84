package outbox

import "github.com/go-faster/errors"

// ErrInvalidConfig is wrapped by every constructor and enqueue validation error.
var ErrInvalidConfig = errors.New("invalid outbox configuration")

func invalidConfig(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}
