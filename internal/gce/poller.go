package gce

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/compute/v1"
)

// Scope tells which endpoint an operation has to be polled from.
type Scope int

const (
	ScopeZone Scope = iota + 1
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeZone:
		return "zone"
	case ScopeGlobal:
		return "global"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

const (
	zoneShape     = "(.*/)?<project>/zones/<zone>"
	selfLinkShape = "(.*/)?<project>/global/operations/<name>"
)

// Poller knows where to re-read an operation resource from. Zone is only
// set for zone scoped operations.
type Poller struct {
	Scope     Scope
	Project   string
	Zone      string
	Operation string
}

// NewPoller classifies a freshly submitted operation resource. Operations
// carrying a zone are zone scoped; otherwise the project is taken from the
// selfLink and the operation is global.
func NewPoller(op *compute.Operation) (Poller, error) {
	if op == nil || op.Name == "" {
		return Poller{}, &MalformedOperationError{Missing: []string{"name"}, Operation: op}
	}

	if op.Zone != "" {
		parts := strings.Split(op.Zone, "/")
		n := len(parts)
		if n < 3 || parts[n-2] != "zones" || parts[n-3] == "" || parts[n-1] == "" {
			return Poller{}, &MalformedOperationError{
				Field:     "zone",
				Value:     op.Zone,
				Expected:  zoneShape,
				Operation: op,
			}
		}
		return Poller{
			Scope:     ScopeZone,
			Project:   parts[n-3],
			Zone:      parts[n-1],
			Operation: op.Name,
		}, nil
	}

	if op.SelfLink == "" {
		return Poller{}, &MalformedOperationError{Missing: []string{"zone", "selfLink"}, Operation: op}
	}

	parts := strings.Split(op.SelfLink, "/")
	n := len(parts)
	if n < 4 || parts[n-3] != "global" || parts[n-2] != "operations" || parts[n-4] == "" {
		return Poller{}, &MalformedOperationError{
			Field:     "selfLink",
			Value:     op.SelfLink,
			Expected:  selfLinkShape,
			Operation: op,
		}
	}
	return Poller{
		Scope:     ScopeGlobal,
		Project:   parts[n-4],
		Operation: op.Name,
	}, nil
}

// Poll fetches the latest version of the operation.
func (p Poller) Poll(ctx context.Context, api OperationGetter) (*compute.Operation, error) {
	switch p.Scope {
	case ScopeZone:
		return api.GetZoneOperation(ctx, p.Project, p.Zone, p.Operation)
	case ScopeGlobal:
		return api.GetGlobalOperation(ctx, p.Project, p.Operation)
	default:
		return nil, fmt.Errorf("unknown operation scope %v for %s", p.Scope, p.Operation)
	}
}
