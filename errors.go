package relayq

import "errors"

// ErrUnknownTask is returned when a task name does not resolve in the registry.
var ErrUnknownTask = errors.New("relayq: unknown task")

// ErrRegistryConflict is returned when a name that is already registered is registered again.
var ErrRegistryConflict = errors.New("relayq: task name already registered")

// ErrTaskNotFound is returned when a task with the specified ID is not in the store.
var ErrTaskNotFound = errors.New("relayq: task not found")

// ErrUnknownStatus is returned when an invalid lifecycle status is used.
var ErrUnknownStatus = errors.New("relayq: unknown status")

// ErrUnknownPriority is returned when a priority value is outside the defined bands.
var ErrUnknownPriority = errors.New("relayq: unknown priority")
