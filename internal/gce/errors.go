package gce

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bootimage/internal/logging"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

// ErrMalformedOperation is matched by every *MalformedOperationError.
var ErrMalformedOperation = errors.New("malformed operation")

// MalformedOperationError reports an operation resource that could not be
// classified into a zone or global poller.
type MalformedOperationError struct {
	// Missing lists the keys that were absent, if any.
	Missing []string
	// Field and Value describe a key that was present but ill-shaped.
	Field    string
	Value    string
	Expected string

	Operation *compute.Operation
}

func (e *MalformedOperationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("failed to parse operation, could not find key %s in: %s",
			strings.Join(e.Missing, " or "), dumpOperation(e.Operation))
	}
	return fmt.Sprintf("%q key of operation had unexpected form: %s, expected %q, full operation: %s",
		e.Field, e.Value, e.Expected, dumpOperation(e.Operation))
}

func (e *MalformedOperationError) Is(target error) bool {
	return target == ErrMalformedOperation
}

// OperationError is returned when an operation reached DONE but the
// provider reported errors for it.
type OperationError struct {
	What      string
	Operation *compute.Operation
}

func (e *OperationError) Error() string {
	var msgs []string
	if e.Operation != nil && e.Operation.Error != nil {
		for _, oe := range e.Operation.Error.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", oe.Code, oe.Message))
		}
	}
	return fmt.Sprintf("%s finished with errors: %s", e.What, strings.Join(msgs, "; "))
}

// IsNotFound reports whether err is a 404 from the compute API.
func IsNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}

func dumpOperation(op *compute.Operation) string {
	if op == nil {
		return "<nil>"
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Sprintf("%+v", *op)
	}
	return logging.Truncate(string(data))
}
