package topology

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/10gen/mongo-harness/internal/process"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/msync"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Role is a node's role as last observed.
type Role string

const (
	RoleUnknown    Role = "unknown"
	RoleStandalone Role = "standalone"
	RolePrimary    Role = "primary"
	RoleSecondary  Role = "secondary"
	RoleArbiter    Role = "arbiter"
	RoleRouter     Role = "router"
)

// State is a node's process state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
)

// Node is one server process of a topology.
type Node struct {
	name    string
	spec    process.Spec
	options NodeOptions
	group   *Group

	// mux guards proc and conn, which change when the node restarts.
	mux  sync.RWMutex
	proc process.Process
	conn remote.Conn

	role  *msync.TypedAtomic[Role]
	state *msync.TypedAtomic[State]
}

func newNode(spec process.Spec, options NodeOptions, group *Group) *Node {
	return &Node{
		name:    spec.Name,
		spec:    spec,
		options: options,
		group:   group,
		role:    msync.NewTypedAtomic(RoleUnknown),
		state:   msync.NewTypedAtomic(StateStarting),
	}
}

func (n *Node) Name() string {
	return n.name
}

// Endpoint is the node's host:port. It is empty before the node's first
// launch and stays the same across restarts.
func (n *Node) Endpoint() string {
	if p := n.currentProcess(); p != nil {
		return p.Endpoint()
	}

	return ""
}

func (n *Node) DBPath() string {
	if p := n.currentProcess(); p != nil {
		return p.DBPath()
	}

	return ""
}

// Conn returns a connection to the node. It panics before the node is
// first launched.
func (n *Node) Conn() remote.Conn {
	n.mux.RLock()
	conn := n.conn
	n.mux.RUnlock()

	if conn == nil {
		panic(fmt.Sprintf("node %#q has no connection yet", n.name))
	}

	return conn
}

func (n *Node) currentProcess() process.Process {
	n.mux.RLock()
	defer n.mux.RUnlock()

	return n.proc
}

func (n *Node) currentConn() remote.Conn {
	n.mux.RLock()
	defer n.mux.RUnlock()

	return n.conn
}

func (n *Node) setProcess(p process.Process, conn remote.Conn) {
	n.mux.Lock()
	defer n.mux.Unlock()

	n.proc = p
	if conn != nil {
		n.conn = conn
	}
}

func (n *Node) Role() Role {
	return n.role.Load()
}

func (n *Node) State() State {
	return n.state.Load()
}

// Group is the replica set the node belongs to, or nil for routers and
// standalones.
func (n *Node) Group() *Group {
	return n.group
}

func (n *Node) Options() NodeOptions {
	return n.options
}

func (n *Node) String() string {
	if ep := n.Endpoint(); ep != "" {
		return fmt.Sprintf("%s (%s)", n.name, ep)
	}

	return n.name
}

// refreshRole asks the node for its role.
func (n *Node) refreshRole(ctx context.Context) (Role, error) {
	if n.State() != StateRunning {
		n.role.Store(RoleUnknown)
		return RoleUnknown, nil
	}

	hello, err := remote.Hello(ctx, n.Conn())
	if err != nil {
		return RoleUnknown, errors.Wrapf(err, "failed to read role of %s", n)
	}

	var role Role
	switch {
	case hello.IsRouter():
		role = RoleRouter
	case hello.SetName == "" && n.group == nil:
		role = RoleStandalone
	case hello.IsWritablePrimary:
		role = RolePrimary
	case hello.Secondary:
		role = RoleSecondary
	case hello.ArbiterOnly:
		role = RoleArbiter
	default:
		role = RoleUnknown
	}

	n.role.Store(role)

	return role, nil
}

// GroupKind says what a replica set is for.
type GroupKind string

const (
	GroupReplSet GroupKind = "replset"
	GroupShard   GroupKind = "shard"
	GroupConfig  GroupKind = "config"
)

// Group is a replica set within a topology.
type Group struct {
	Name string
	Kind GroupKind

	members *msync.TypedAtomic[[]*Node]
}

func newGroup(name string, kind GroupKind) *Group {
	return &Group{
		Name:    name,
		Kind:    kind,
		members: msync.NewTypedAtomic[[]*Node](nil),
	}
}

// Members returns the group's current members in config order.
func (g *Group) Members() []*Node {
	return g.members.Load()
}

func (g *Group) addMember(n *Node) {
	g.members.Store(append(slices.Clone(g.Members()), n))
}

func (g *Group) removeMember(n *Node) {
	g.members.Store(lo.Without(g.Members(), n))
}

// ConnectionString is the "set/host1,host2" form that addShard and
// --configdb take.
func (g *Group) ConnectionString() string {
	hosts := lo.Map(g.Members(), func(n *Node, _ int) string { return n.Endpoint() })

	return g.Name + "/" + strings.Join(hosts, ",")
}

// Topology is a set of provisioned nodes.
type Topology struct {
	ID   string
	Spec Spec

	nodes   *msync.TypedAtomic[[]*Node]
	groups  []*Group
	routers []*Node
	stopped *msync.TypedAtomic[bool]
}

func newTopology(id string, spec Spec) *Topology {
	return &Topology{
		ID:      id,
		Spec:    spec,
		nodes:   msync.NewTypedAtomic[[]*Node](nil),
		stopped: msync.NewTypedAtomic(false),
	}
}

func (t *Topology) addNode(n *Node) {
	t.nodes.Store(append(slices.Clone(t.Nodes()), n))
}

func (t *Topology) removeNode(n *Node) {
	t.nodes.Store(lo.Without(t.Nodes(), n))
}

// Nodes returns every node in the order it was added.
func (t *Topology) Nodes() []*Node {
	return t.nodes.Load()
}

func (t *Topology) Groups() []*Group {
	return t.groups
}

// Shards returns the shard replica sets.
func (t *Topology) Shards() []*Group {
	return lo.Filter(t.groups, func(g *Group, _ int) bool { return g.Kind == GroupShard })
}

func (t *Topology) Routers() []*Node {
	return t.routers
}

func (t *Topology) Stopped() bool {
	return t.stopped.Load()
}

// Node finds a node by name.
func (t *Topology) Node(name string) (*Node, error) {
	n, ok := lo.Find(t.Nodes(), func(n *Node) bool { return n.name == name })
	if !ok {
		return nil, errors.Errorf("topology %#q has no node %#q", t.Spec.Name, name)
	}

	return n, nil
}

// Group finds a replica set by name.
func (t *Topology) Group(name string) (*Group, error) {
	g, ok := lo.Find(t.groups, func(g *Group) bool { return g.Name == name })
	if !ok {
		return nil, errors.Errorf("topology %#q has no replica set %#q", t.Spec.Name, name)
	}

	return g, nil
}

// Entrypoint is the node that clients of the topology talk to: the first
// router of a sharded cluster, the only node of a standalone, or the
// first member of a replica set.
func (t *Topology) Entrypoint() *Node {
	if len(t.routers) > 0 {
		return t.routers[0]
	}

	return t.Nodes()[0]
}

// Primary asks every running member of g for its role and returns the
// writable primary. It fails with ErrMultiplePrimaries if more than one
// member claims the role.
func (t *Topology) Primary(ctx context.Context, g *Group) (*Node, error) {
	var primaries []*Node

	for _, n := range g.Members() {
		role, err := n.refreshRole(ctx)
		if err != nil {
			return nil, err
		}

		if role == RolePrimary {
			primaries = append(primaries, n)
		}
	}

	switch len(primaries) {
	case 0:
		return nil, errors.Wrapf(ErrNoPrimary, "replica set %#q", g.Name)
	case 1:
		return primaries[0], nil
	default:
		return nil, errors.Wrapf(
			ErrMultiplePrimaries,
			"replica set %#q: %s",
			g.Name,
			strings.Join(lo.Map(primaries, func(n *Node, _ int) string { return n.String() }), ", "),
		)
	}
}

// RefreshRoles asks every running node for its role.
func (t *Topology) RefreshRoles(ctx context.Context) error {
	for _, n := range t.Nodes() {
		if _, err := n.refreshRole(ctx); err != nil {
			return err
		}
	}

	return nil
}
