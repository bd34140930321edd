package reconstruction

import "fmt"

// ConfigurationError reports an unusable reconstruction setup:
// missing geometry or sinogram, a zero Lipschitz constant, mismatched
// warm-start dimensions, or an unrecognized mode tag. Configuration
// errors are detected in a single validation pass before the first
// iteration; no partial result is ever returned alongside one.
type ConfigurationError struct {
	// Field names the offending parameter.
	Field string

	// Reason describes why the value is unusable.
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
