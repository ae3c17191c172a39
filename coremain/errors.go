package coremain

import "fmt"

// ConfigError and PrivilegeError give the startup error taxonomy from
// SPEC_FULL.md §7 distinct types, supporting errors.Is/As via Unwrap.
// Start exits with code 1 on any startup error, whatever its type.

type ConfigError struct{ err error }

func newConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{err: fmt.Errorf(format, args...)}
}

func (e *ConfigError) Error() string { return "config error: " + e.err.Error() }
func (e *ConfigError) Unwrap() error { return e.err }

type PrivilegeError struct{ err error }

func newPrivilegeError(format string, args ...interface{}) *PrivilegeError {
	return &PrivilegeError{err: fmt.Errorf(format, args...)}
}

func (e *PrivilegeError) Error() string { return "privilege error: " + e.err.Error() }
func (e *PrivilegeError) Unwrap() error { return e.err }
