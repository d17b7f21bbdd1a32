package harness

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/internal/bgop"
	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
)

// StatusAPI is what the web server reports on and acts upon.
type StatusAPI interface {
	Topologies() []TopologyStatus
	Operations() []OperationStatus
	CancelOperation(ctx context.Context, id string) (OperationStatus, error)
}

// NodeStatus describes one node of a live topology.
type NodeStatus struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Group    string `json:"group,omitempty"`
	Role     string `json:"role"`
	State    string `json:"state"`
}

// TopologyStatus describes a live topology.
type TopologyStatus struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Kind  string       `json:"kind"`
	Nodes []NodeStatus `json:"nodes"`
}

// OperationStatus describes a background operation.
type OperationStatus struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Endpoint  string    `json:"endpoint"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	Started   string    `json:"started"`

	LastStep    string `json:"lastStep,omitempty"`
	FailureCode *int   `json:"failureCode,omitempty"`
}

func topologyStatus(t *topology.Topology) TopologyStatus {
	return TopologyStatus{
		ID:   t.ID,
		Name: t.Spec.Name,
		Kind: string(t.Spec.Kind),
		Nodes: lo.Map(t.Nodes(), func(n *topology.Node, _ int) NodeStatus {
			ns := NodeStatus{
				Name:     n.Name(),
				Endpoint: n.Endpoint(),
				Role:     string(n.Role()),
				State:    string(n.State()),
			}

			if g := n.Group(); g != nil {
				ns.Group = g.Name
			}

			return ns
		}),
	}
}

func operationStatus(op *bgop.Handle) OperationStatus {
	status := OperationStatus{
		ID:        op.ID(),
		Kind:      op.Kind(),
		Endpoint:  op.Endpoint(),
		State:     string(op.State()),
		StartedAt: op.StartedAt(),
		Started:   humanize.Time(op.StartedAt()),
	}

	if step, ok := op.LastStep().Get(); ok {
		status.LastStep = step.Name
	}

	if code, ok := op.FailureCode().Get(); ok {
		status.FailureCode = lo.ToPtr(code)
	}

	return status
}
