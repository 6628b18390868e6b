package messaging

import (
	"fmt"
	"strings"
)

// ConfigErrorKind distinguishes the handful of bind failures callers
// need to react to differently (e.g. retry vs. fail fast).
type ConfigErrorKind int

const (
	ConfigErrorUnknown ConfigErrorKind = iota
	ConfigErrorAddressInUse
	ConfigErrorCannotAssign
)

// ConfigError is a typed, synchronous startup failure -- the only kind
// of error the messaging core surfaces synchronously.
type ConfigError struct {
	Kind    ConfigErrorKind
	Addr    string
	Wrapped error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("messaging: cannot bind %s: %v", e.Addr, e.Wrapped)
}

func (e *ConfigError) Unwrap() error { return e.Wrapped }

// classifyBindError inspects a net.Listen error and produces the typed
// ConfigError the original distinguishes "address in use" from "cannot
// assign" for.
func classifyBindError(addr string, err error) *ConfigError {
	kind := ConfigErrorUnknown
	msg := err.Error()
	switch {
	case strings.Contains(msg, "address already in use"):
		kind = ConfigErrorAddressInUse
	case strings.Contains(msg, "cannot assign requested address"):
		kind = ConfigErrorCannotAssign
	}
	return &ConfigError{Kind: kind, Addr: addr, Wrapped: err}
}
