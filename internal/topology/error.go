package topology

import (
	"fmt"
	"strings"
	"time"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/reportutils"
	"github.com/pkg/errors"
)

var (
	// ErrLeakedTopology means the manager was closed while topologies it
	// started were still running. Close stops them anyway.
	ErrLeakedTopology = errors.New("topology left running")

	// ErrMultiplePrimaries means more than one member of a replica set
	// claimed to be writable primary.
	ErrMultiplePrimaries = errors.New("more than one writable primary")

	ErrNoPrimary = errors.New("no writable primary")

	// ErrStopped means the topology has been stopped.
	ErrStopped = errors.New("topology is stopped")
)

// ProvisioningError means a topology could not be brought up. Node and
// Endpoint name the first node that failed; LastErr is the last error
// seen while waiting for it.
type ProvisioningError struct {
	Topology string
	Node     string
	Endpoint string
	Phase    string
	Elapsed  time.Duration
	LastErr  error
}

func (e *ProvisioningError) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "failed to provision %#q: %s", e.Topology, e.Phase)

	if e.Node != "" {
		fmt.Fprintf(&sb, " of node %#q", e.Node)
	}

	if e.Endpoint != "" {
		fmt.Fprintf(&sb, " (%s)", e.Endpoint)
	}

	fmt.Fprintf(&sb, " failed after %s", reportutils.DurationToHMS(e.Elapsed))

	if e.LastErr != nil {
		fmt.Fprintf(&sb, ": %v", e.LastErr)
	}

	return sb.String()
}

func (e *ProvisioningError) Unwrap() error {
	return e.LastErr
}

// ReconfigurationError means the server rejected a replica set reconfig.
// The topology is unchanged.
type ReconfigurationError struct {
	Group   string
	Changes []string
	Version int
	Cause   *remote.CommandError
}

func (e *ReconfigurationError) Error() string {
	return fmt.Sprintf(
		"replica set %#q rejected config version %d (%s): %v",
		e.Group,
		e.Version,
		strings.Join(e.Changes, "; "),
		e.Cause,
	)
}

func (e *ReconfigurationError) Unwrap() error {
	return e.Cause
}

// Code is the server's error code.
func (e *ReconfigurationError) Code() int {
	return e.Cause.Code
}
