// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package topology

import "fmt"

// ConfigurationConflictError is returned when an entity is re-declared with
// attributes that differ from the existing declaration. It is fatal: the
// caller's topology is inconsistent and retrying cannot help.
type ConfigurationConflictError struct {
	Kind string
	Name string
}

// UnknownTopologyError is returned when an operation references an exchange
// or queue that has not been declared.
type UnknownTopologyError struct {
	Kind string
	Name string
}

// Error implements the error interface for ConfigurationConflictError.
func (e ConfigurationConflictError) Error() string {
	return fmt.Sprintf("configuration conflict: %s %q already declared with different attributes", e.Kind, e.Name)
}

// Is matches any ConfigurationConflictError regardless of fields.
func (ConfigurationConflictError) Is(target error) bool {
	_, ok := target.(ConfigurationConflictError)

	return ok
}

// Error implements the error interface for UnknownTopologyError.
func (e UnknownTopologyError) Error() string {
	return fmt.Sprintf("unknown topology: %s %q not declared", e.Kind, e.Name)
}

// Is matches any UnknownTopologyError regardless of fields.
func (UnknownTopologyError) Is(target error) bool {
	_, ok := target.(UnknownTopologyError)

	return ok
}
