package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCapabilityUnsupported matches every *CapabilityError.
	ErrCapabilityUnsupported = errors.New("capability unsupported")
	// ErrMalformedMessage wraps payloads that could not be normalized.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownExchange matches every *UnknownExchangeError.
	ErrUnknownExchange = errors.New("unknown exchange")
	// ErrNoData is returned when an exchange answered without the requested
	// record.
	ErrNoData = errors.New("no data")
)

// CapabilityError is returned before any I/O when an operation is outside
// the connector's capability set.
type CapabilityError struct {
	Exchange   string
	Capability Capability
	// Operation names a finer grained request, such as open interest
	// history, that the exchange lacks despite having the capability.
	Operation string
}

func (e *CapabilityError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s does not support %s", e.Exchange, e.Operation)
	}
	return fmt.Sprintf("%s does not support %s", e.Exchange, e.Capability)
}

func (e *CapabilityError) Is(target error) bool { return target == ErrCapabilityUnsupported }

type UnknownExchangeError struct {
	Name      string
	Available []string
}

func (e *UnknownExchangeError) Error() string {
	return fmt.Sprintf("unknown exchange %q, available: %s", e.Name, strings.Join(e.Available, ", "))
}

func (e *UnknownExchangeError) Is(target error) bool { return target == ErrUnknownExchange }

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
