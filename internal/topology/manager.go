// Package topology provisions and tears down server topologies
// (standalones, replica sets and sharded clusters) and changes their
// membership.
package topology

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/10gen/mongo-harness/contextplus"
	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/metrics"
	"github.com/10gen/mongo-harness/internal/poll"
	"github.com/10gen/mongo-harness/internal/process"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/retry"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/10gen/mongo-harness/msync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	DefaultReadyTimeout = 2 * time.Minute
	DefaultStopTimeout  = 30 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
	DefaultRetryLimit   = 2 * time.Minute
)

// Config tunes a Manager.
type Config struct {
	// ReadyTimeout bounds each readiness wait: a node accepting
	// connections, or a replica set electing a primary.
	ReadyTimeout time.Duration

	// StopTimeout is how long a node gets to shut down before it is killed.
	StopTimeout time.Duration

	PollInterval time.Duration

	// RetryLimit bounds retries of transient failures of replSetInitiate
	// and addShard.
	RetryLimit time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadyTimeout: DefaultReadyTimeout,
		StopTimeout:  DefaultStopTimeout,
		PollInterval: DefaultPollInterval,
		RetryLimit:   DefaultRetryLimit,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	c.ReadyTimeout = lo.Ternary(c.ReadyTimeout > 0, c.ReadyTimeout, defaults.ReadyTimeout)
	c.StopTimeout = lo.Ternary(c.StopTimeout > 0, c.StopTimeout, defaults.StopTimeout)
	c.PollInterval = lo.Ternary(c.PollInterval > 0, c.PollInterval, defaults.PollInterval)
	c.RetryLimit = lo.Ternary(c.RetryLimit > 0, c.RetryLimit, defaults.RetryLimit)

	return c
}

// Manager starts topologies and owns their processes until they are
// stopped.
type Manager struct {
	launcher process.Launcher
	dialer   remote.Dialer
	logger   *logger.Logger
	config   Config

	live *msync.DataGuard[map[string]*Topology]
}

func NewManager(
	launcher process.Launcher,
	dialer remote.Dialer,
	logger *logger.Logger,
	config Config,
) *Manager {
	return &Manager{
		launcher: launcher,
		dialer:   dialer,
		logger:   logger,
		config:   config.withDefaults(),
		live:     msync.NewDataGuard(map[string]*Topology{}),
	}
}

// Topologies returns the running topologies ordered by name.
func (m *Manager) Topologies() []*Topology {
	topologies := msync.Read(m.live, func(live map[string]*Topology) []*Topology { return lo.Values(live) })

	sort.Slice(topologies, func(i, j int) bool {
		return topologies[i].Spec.Name < topologies[j].Spec.Name
	})

	return topologies
}

// Get returns a running topology by ID.
func (m *Manager) Get(id string) (*Topology, bool) {
	t := msync.Read(m.live, func(live map[string]*Topology) *Topology { return live[id] })

	return t, t != nil
}

func (m *Manager) readyTimeout(spec Spec) time.Duration {
	if spec.ReadyTimeout > 0 {
		return spec.ReadyTimeout
	}

	return m.config.ReadyTimeout
}

func (m *Manager) topologyLogger(t *Topology) *logger.Logger {
	return logger.NewSubLogger(m.logger, "topology", t.Spec.Name)
}

// Start provisions the topology that spec describes and returns once
// every node accepts connections, every replica set has a primary and,
// for a sharded cluster, every shard has been added. If any of that
// fails, the nodes already launched are stopped and a ProvisioningError
// is returned.
func (m *Manager) Start(ctx context.Context, spec Spec) (*Topology, error) {
	spec = spec.withDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	t := newTopology(uuid.NewString(), spec)
	lg := m.topologyLogger(t)
	start := time.Now()

	lg.Info().
		Str("kind", string(spec.Kind)).
		Str("id", t.ID).
		Msg("Starting topology.")

	if err := m.provision(ctx, lg, t); err != nil {
		lg.Error().Err(err).Msg("Topology failed to start. Stopping the nodes that did.")

		if stopErr := m.stop(context.WithoutCancel(ctx), lg, t); stopErr != nil {
			lg.Warn().Err(stopErr).Msg("Failed to stop the nodes of a topology that failed to start.")
		}

		return nil, err
	}

	m.live.Store(func(live map[string]*Topology) map[string]*Topology {
		live[t.ID] = t
		return live
	})

	lg.Info().
		Int("nodes", len(t.Nodes())).
		Stringer("elapsed", time.Since(start)).
		Msg("Topology is ready.")

	return t, nil
}

func (m *Manager) provision(ctx context.Context, lg *logger.Logger, t *Topology) error {
	spec := t.Spec

	switch spec.Kind {
	case KindStandalone:
		n := newNode(
			processSpec(spec, spec.Name, process.Mongod, "", process.NoClusterRole),
			spec.OptionsFor(spec.Name),
			nil,
		)
		t.addNode(n)

		return m.launchAll(ctx, lg, t, t.Nodes())

	case KindReplSet:
		g := m.planGroup(t, spec.Name, GroupReplSet, spec.Nodes, process.NoClusterRole)
		if err := m.launchAll(ctx, lg, t, g.Members()); err != nil {
			return err
		}

		return m.initiate(ctx, lg, t, g)

	case KindSharded:
		m.planGroup(t, spec.Name+"-config", GroupConfig, spec.ConfigServers, process.ConfigServer)
		for i := 0; i < spec.Shards; i++ {
			m.planGroup(t, fmt.Sprintf("%s-shard%d", spec.Name, i), GroupShard, spec.Nodes, process.ShardServer)
		}

		if err := m.launchAll(ctx, lg, t, t.Nodes()); err != nil {
			return err
		}

		eg, egCtx := contextplus.ErrGroup(ctx)
		for _, g := range t.groups {
			g := g
			eg.Go(func() error {
				return m.initiate(egCtx, lg, t, g)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		configDB := t.groups[0].ConnectionString()
		for i := 0; i < spec.Routers; i++ {
			name := fmt.Sprintf("%s-router%d", spec.Name, i)
			ps := processSpec(spec, name, process.Mongos, "", process.NoClusterRole)
			ps.ConfigDB = configDB

			n := newNode(ps, spec.OptionsFor(name), nil)
			t.routers = append(t.routers, n)
			t.addNode(n)
		}

		if err := m.launchAll(ctx, lg, t, t.routers); err != nil {
			return err
		}

		return m.addShards(ctx, lg, t)
	}

	return errors.Errorf("unknown topology kind %#q", spec.Kind)
}

func processSpec(
	spec Spec,
	name string,
	binary process.Binary,
	replSet string,
	role process.ClusterRole,
) process.Spec {
	opts := spec.OptionsFor(name)

	return process.Spec{
		Name:          name,
		Binary:        binary,
		ReplSet:       replSet,
		ClusterRole:   role,
		SetParameters: opts.SetParameters,
		ExtraArgs:     opts.ExtraArgs,
	}
}

func (m *Manager) planGroup(
	t *Topology,
	name string,
	kind GroupKind,
	size int,
	role process.ClusterRole,
) *Group {
	g := newGroup(name, kind)
	t.groups = append(t.groups, g)

	for i := 0; i < size; i++ {
		nodeName := fmt.Sprintf("%s-n%d", name, i)
		n := newNode(
			processSpec(t.Spec, nodeName, process.Mongod, name, role),
			t.Spec.OptionsFor(nodeName),
			g,
		)

		g.addMember(n)
		t.addNode(n)
	}

	return g
}

func (m *Manager) launchAll(ctx context.Context, lg *logger.Logger, t *Topology, nodes []*Node) error {
	eg, egCtx := contextplus.ErrGroup(ctx)
	for _, n := range nodes {
		n := n
		eg.Go(func() error {
			return m.launchNode(egCtx, lg, t, n, n.spec)
		})
	}

	return eg.Wait()
}

// launchNode launches n's process and waits for it to accept connections.
func (m *Manager) launchNode(
	ctx context.Context,
	lg *logger.Logger,
	t *Topology,
	n *Node,
	spec process.Spec,
) error {
	start := time.Now()
	n.state.Store(StateStarting)

	provErr := func(phase string, endpoint string, err error) error {
		return &ProvisioningError{
			Topology: t.Spec.Name,
			Node:     n.name,
			Endpoint: endpoint,
			Phase:    phase,
			Elapsed:  time.Since(start),
			LastErr:  err,
		}
	}

	p, err := m.launcher.Launch(ctx, lg, spec)
	if err != nil {
		n.state.Store(StateStopped)
		return provErr("launch", "", err)
	}

	metrics.RecordNodes(1)

	conn := n.currentConn()
	if conn == nil {
		conn, err = m.dialer.Dial(ctx, p.Endpoint())
		if err != nil {
			n.setProcess(p, nil)
			return provErr("dial", p.Endpoint(), err)
		}
	}

	n.setProcess(p, conn)

	poller := poll.New(m.readyTimeout(t.Spec)).
		WithInterval(m.config.PollInterval).
		WithDescription("%s accepting connections", n).
		WithComponent("topology")

	_, err = poll.Await(
		ctx,
		lg,
		poller,
		func(ctx context.Context) (string, bool, error) {
			select {
			case <-p.Exited():
				return "exited", false, errors.Errorf("%s exited during startup", n)
			default:
			}

			if err := remote.Ping(ctx, conn); err != nil {
				return "", false, err
			}

			return "ok", true, nil
		},
	)
	if err != nil {
		return provErr("readiness", p.Endpoint(), err)
	}

	n.state.Store(StateRunning)

	if n.group == nil {
		if _, err := n.refreshRole(ctx); err != nil {
			return provErr("readiness", p.Endpoint(), err)
		}
	}

	lg.Debug().
		Str("node", n.name).
		Str("endpoint", p.Endpoint()).
		Stringer("elapsed", time.Since(start)).
		Msg("Node is accepting connections.")

	return nil
}

func memberDoc(id int, n *Node) bson.D {
	doc := bson.D{{"_id", id}, {"host", n.Endpoint()}}

	if n.options.Arbiter {
		doc = append(doc, bson.E{"arbiterOnly", true})
	}

	if n.options.Priority != nil {
		doc = append(doc, bson.E{"priority", *n.options.Priority})
	}

	if n.options.Votes != nil {
		doc = append(doc, bson.E{"votes", *n.options.Votes})
	}

	return doc
}

// initiate runs replSetInitiate on g's first member and waits for the set
// to elect a primary.
func (m *Manager) initiate(ctx context.Context, lg *logger.Logger, t *Topology, g *Group) error {
	start := time.Now()
	members := g.Members()
	first := members[0]

	config := bson.D{{"_id", g.Name}}
	if g.Kind == GroupConfig {
		config = append(config, bson.E{"configsvr", true})
	}
	config = append(config, bson.E{"members", lo.Map(members, func(n *Node, i int) bson.D {
		return memberDoc(i, n)
	})})

	cmd := bson.D{{"replSetInitiate", config}}

	// A retried replSetInitiate may find its first attempt already took.
	err := retry.New(m.config.RetryLimit).
		WithDescription("initiating replica set %#q", g.Name).
		Run(ctx, lg, func(ctx context.Context, _ *retry.FuncInfo) error {
			_, err := remote.Exec(ctx, first.Conn(), "admin", cmd, remote.Accept(util.AlreadyInitialized))
			return err
		})
	if err != nil {
		return &ProvisioningError{
			Topology: t.Spec.Name,
			Node:     first.name,
			Endpoint: first.Endpoint(),
			Phase:    "replSetInitiate",
			Elapsed:  time.Since(start),
			LastErr:  err,
		}
	}

	if err := m.awaitElection(ctx, lg, t, g); err != nil {
		return &ProvisioningError{
			Topology: t.Spec.Name,
			Node:     first.name,
			Endpoint: first.Endpoint(),
			Phase:    "election",
			Elapsed:  time.Since(start),
			LastErr:  err,
		}
	}

	lg.Info().
		Str("replSet", g.Name).
		Int("members", len(members)).
		Stringer("elapsed", time.Since(start)).
		Msg("Replica set has a primary.")

	return nil
}

// memberSummary renders replSetGetStatus as "host=STATE" pairs.
type memberSummary []remote.MemberStatus

func (ms memberSummary) String() string {
	return strings.Join(
		lo.Map(ms, func(m remote.MemberStatus, _ int) string {
			return m.Name + "=" + m.StateStr
		}),
		", ",
	)
}

// awaitElection waits until g has exactly one primary and every other
// member is a healthy secondary or arbiter.
func (m *Manager) awaitElection(ctx context.Context, lg *logger.Logger, t *Topology, g *Group) error {
	first := g.Members()[0]

	poller := poll.New(m.readyTimeout(t.Spec)).
		WithInterval(m.config.PollInterval).
		WithDescription("replica set %#q electing a primary", g.Name).
		WithComponent("topology")

	_, err := poll.Await(
		ctx,
		lg,
		poller,
		func(ctx context.Context) (memberSummary, bool, error) {
			status, err := remote.GetReplSetStatus(ctx, first.Conn())
			if err != nil {
				return nil, false, err
			}

			primaries := lo.CountBy(status.Members, func(ms remote.MemberStatus) bool {
				return ms.StateStr == "PRIMARY"
			})
			settled := lo.EveryBy(status.Members, func(ms remote.MemberStatus) bool {
				return ms.Health == 1 && lo.Contains([]string{"PRIMARY", "SECONDARY", "ARBITER"}, ms.StateStr)
			})

			return memberSummary(status.Members), primaries == 1 && settled, nil
		},
	)
	if err != nil {
		return err
	}

	_, err = t.Primary(ctx, g)
	return err
}

func (m *Manager) addShards(ctx context.Context, lg *logger.Logger, t *Topology) error {
	router := t.routers[0]

	for _, g := range t.Shards() {
		start := time.Now()
		cmd := bson.D{{"addShard", g.ConnectionString()}, {"name", g.Name}}

		err := retry.New(m.config.RetryLimit).
			WithDescription("adding shard %#q", g.Name).
			Run(ctx, lg, func(ctx context.Context, _ *retry.FuncInfo) error {
				_, err := remote.Exec(ctx, router.Conn(), "admin", cmd, remote.Outcomes{})
				return err
			})
		if err != nil {
			return &ProvisioningError{
				Topology: t.Spec.Name,
				Node:     router.name,
				Endpoint: router.Endpoint(),
				Phase:    "addShard " + g.Name,
				Elapsed:  time.Since(start),
				LastErr:  err,
			}
		}

		lg.Debug().Str("shard", g.Name).Msg("Shard added.")
	}

	return nil
}

// Stop stops every node of t and removes what the launcher created for
// them. Stopping a stopped topology does nothing.
func (m *Manager) Stop(ctx context.Context, t *Topology) error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}

	m.live.Store(func(live map[string]*Topology) map[string]*Topology {
		delete(live, t.ID)
		return live
	})

	lg := m.topologyLogger(t)
	if err := m.stop(ctx, lg, t); err != nil {
		return errors.Wrapf(err, "failed to stop topology %#q", t.Spec.Name)
	}

	lg.Info().Msg("Topology stopped.")

	return nil
}

// stop stops routers first, then shards and replica sets, then config
// servers.
func (m *Manager) stop(ctx context.Context, lg *logger.Logger, t *Topology) error {
	t.stopped.Store(true)

	tiers := [][]*Node{
		t.routers,
		lo.Filter(t.Nodes(), func(n *Node, _ int) bool {
			return n.group != nil && n.group.Kind != GroupConfig
		}),
		lo.Filter(t.Nodes(), func(n *Node, _ int) bool {
			return n.group != nil && n.group.Kind == GroupConfig
		}),
		lo.Filter(t.Nodes(), func(n *Node, _ int) bool {
			return n.group == nil && !lo.Contains(t.routers, n)
		}),
	}

	var firstErr error
	for _, tier := range tiers {
		if err := m.stopNodes(ctx, lg, tier, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// stopNodes stops nodes concurrently. Every node is attempted even if
// some fail; the first failure is returned.
func (m *Manager) stopNodes(ctx context.Context, lg *logger.Logger, nodes []*Node, cleanup bool) error {
	eg, _ := contextplus.ErrGroup(ctx)

	for _, n := range nodes {
		n := n
		eg.Go(func() error {
			return m.stopNode(ctx, lg, n, cleanup)
		})
	}

	return eg.Wait()
}

func (m *Manager) stopNode(ctx context.Context, lg *logger.Logger, n *Node, cleanup bool) error {
	p := n.currentProcess()
	if p == nil {
		n.state.Store(StateStopped)
		return nil
	}

	if n.State() != StateStopped {
		if err := p.Stop(ctx, m.config.StopTimeout); err != nil {
			return errors.Wrapf(err, "failed to stop %s", n)
		}

		n.state.Store(StateStopped)
		n.role.Store(RoleUnknown)
		metrics.RecordNodes(-1)

		lg.Debug().Str("node", n.name).Msg("Node stopped.")
	}

	if !cleanup {
		return nil
	}

	if conn := n.currentConn(); conn != nil {
		if err := conn.Disconnect(ctx); err != nil {
			lg.Debug().Err(err).Str("node", n.name).Msg("Failed to disconnect from node.")
		}
	}

	return errors.Wrapf(p.Cleanup(), "failed to clean up after %s", n)
}

func (m *Manager) requireMember(t *Topology, n *Node) error {
	if t.Stopped() {
		return errors.Wrapf(ErrStopped, "topology %#q", t.Spec.Name)
	}

	if !lo.Contains(t.Nodes(), n) {
		return errors.Errorf("node %#q is not part of topology %#q", n.name, t.Spec.Name)
	}

	return nil
}

// StopNode stops one node and keeps its data so RestartNode can bring it
// back. Stopping a stopped node does nothing.
func (m *Manager) StopNode(ctx context.Context, t *Topology, n *Node) error {
	if err := m.requireMember(t, n); err != nil {
		return err
	}

	return m.stopNode(ctx, m.topologyLogger(t), n, false)
}

// RestartNode relaunches a stopped node on its old port with its old
// data, and waits for it to accept connections.
func (m *Manager) RestartNode(ctx context.Context, t *Topology, n *Node) error {
	if err := m.requireMember(t, n); err != nil {
		return err
	}

	if n.State() != StateStopped {
		return errors.Errorf("cannot restart %s: it is %s", n, n.State())
	}

	p := n.currentProcess()
	spec := n.spec
	spec.Port = p.Port()
	spec.DBPath = p.DBPath()

	lg := m.topologyLogger(t)
	if err := m.launchNode(ctx, lg, t, n, spec); err != nil {
		return err
	}

	_, err := n.refreshRole(ctx)
	return err
}

// Close stops every topology still running. It returns ErrLeakedTopology
// if there were any, since callers are expected to stop what they start.
func (m *Manager) Close(ctx context.Context) error {
	leaked := m.Topologies()
	if len(leaked) == 0 {
		return nil
	}

	for _, t := range leaked {
		if err := m.Stop(ctx, t); err != nil {
			m.logger.Error().Err(err).Str("topology", t.Spec.Name).Msg("Failed to stop leaked topology.")
		}
	}

	return errors.Wrapf(
		ErrLeakedTopology,
		"%s",
		strings.Join(lo.Map(leaked, func(t *Topology, _ int) string { return t.Spec.Name }), ", "),
	)
}
