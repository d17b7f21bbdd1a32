package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/process"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

// MemberConfig is one member of a replica set config.
type MemberConfig struct {
	ID          int     `bson:"_id"`
	Host        string  `bson:"host"`
	Priority    float64 `bson:"priority"`
	Votes       int     `bson:"votes"`
	ArbiterOnly bool    `bson:"arbiterOnly,omitempty"`
}

// ReplSetConfig is the part of a replica set config that Reconfigure
// edits. Settings pass through unchanged.
type ReplSetConfig struct {
	ID        string         `bson:"_id"`
	Version   int            `bson:"version"`
	ConfigSvr bool           `bson:"configsvr,omitempty"`
	Members   []MemberConfig `bson:"members"`
	Settings  bson.Raw       `bson:"settings,omitempty"`
}

func (rc *ReplSetConfig) member(host string) (*MemberConfig, error) {
	for i := range rc.Members {
		if rc.Members[i].Host == host {
			return &rc.Members[i], nil
		}
	}

	return nil, errors.Errorf("%#q is not in replica set %#q's config", host, rc.ID)
}

// Change is one edit that Reconfigure applies to a replica set config.
type Change interface {
	fmt.Stringer

	apply(cfg *ReplSetConfig) error
}

// AddNode launches a new member with the given options and adds it to
// the set.
type AddNode struct {
	Options NodeOptions

	node *Node
}

func (c *AddNode) String() string {
	return "add node"
}

func (c *AddNode) apply(cfg *ReplSetConfig) error {
	if c.node == nil {
		return errors.New("AddNode applied before its node was launched")
	}

	nextID := 0
	if len(cfg.Members) > 0 {
		nextID = lo.MaxBy(cfg.Members, func(a, b MemberConfig) bool { return a.ID > b.ID }).ID + 1
	}

	member := MemberConfig{
		ID:          nextID,
		Host:        c.node.Endpoint(),
		Priority:    lo.Ternary(c.Options.Arbiter, 0.0, 1.0),
		Votes:       1,
		ArbiterOnly: c.Options.Arbiter,
	}

	if c.Options.Priority != nil {
		member.Priority = *c.Options.Priority
	}

	if c.Options.Votes != nil {
		member.Votes = *c.Options.Votes
	}

	cfg.Members = append(cfg.Members, member)

	return nil
}

// RemoveNode removes a member from the set. The node is stopped once the
// set accepts the new config.
type RemoveNode struct {
	Node *Node
}

func (c RemoveNode) String() string {
	return "remove " + c.Node.name
}

func (c RemoveNode) apply(cfg *ReplSetConfig) error {
	if _, err := cfg.member(c.Node.Endpoint()); err != nil {
		return err
	}

	cfg.Members = lo.Reject(cfg.Members, func(m MemberConfig, _ int) bool {
		return m.Host == c.Node.Endpoint()
	})

	return nil
}

// SetPriority changes a member's election priority.
type SetPriority struct {
	Node     *Node
	Priority float64
}

func (c SetPriority) String() string {
	return fmt.Sprintf("set %s priority to %g", c.Node.name, c.Priority)
}

func (c SetPriority) apply(cfg *ReplSetConfig) error {
	m, err := cfg.member(c.Node.Endpoint())
	if err != nil {
		return err
	}

	m.Priority = c.Priority

	return nil
}

// SetVotes changes a member's vote count.
type SetVotes struct {
	Node  *Node
	Votes int
}

func (c SetVotes) String() string {
	return fmt.Sprintf("set %s votes to %d", c.Node.name, c.Votes)
}

func (c SetVotes) apply(cfg *ReplSetConfig) error {
	m, err := cfg.member(c.Node.Endpoint())
	if err != nil {
		return err
	}

	m.Votes = c.Votes

	return nil
}

// GetConfig reads g's current config from its primary.
func (m *Manager) GetConfig(ctx context.Context, t *Topology, g *Group) (ReplSetConfig, error) {
	primary, err := t.Primary(ctx, g)
	if err != nil {
		return ReplSetConfig{}, err
	}

	return readConfig(ctx, primary)
}

func readConfig(ctx context.Context, primary *Node) (ReplSetConfig, error) {
	raw, err := primary.Conn().RunCommand(ctx, "admin", bson.D{{"replSetGetConfig", 1}})
	if err != nil {
		return ReplSetConfig{}, errors.Wrapf(err, "failed to read config from %s", primary)
	}

	var reply struct {
		Config ReplSetConfig `bson:"config"`
	}
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return ReplSetConfig{}, errors.Wrapf(err, "failed to parse config from %s", primary)
	}

	return reply.Config, nil
}

// Reconfigure applies changes to g as a single replSetReconfig on its
// primary. The command is sent once: if the server rejects it, the
// returned *ReconfigurationError carries the server's error and the
// topology's membership is unchanged. Nodes launched for AddNode are
// stopped again in that case.
func (m *Manager) Reconfigure(ctx context.Context, t *Topology, g *Group, changes ...Change) (ReplSetConfig, error) {
	if t.Stopped() {
		return ReplSetConfig{}, errors.Wrapf(ErrStopped, "topology %#q", t.Spec.Name)
	}

	if !lo.Contains(t.groups, g) {
		return ReplSetConfig{}, errors.Errorf("replica set %#q is not part of topology %#q", g.Name, t.Spec.Name)
	}

	if len(changes) == 0 {
		return ReplSetConfig{}, errors.New("reconfigure needs at least one change")
	}

	lg := logger.NewSubLogger(m.topologyLogger(t), "replSet", g.Name)
	start := time.Now()

	primary, err := t.Primary(ctx, g)
	if err != nil {
		return ReplSetConfig{}, err
	}

	added, err := m.launchAdded(ctx, lg, t, g, changes)
	if err != nil {
		return ReplSetConfig{}, err
	}

	abandon := func() {
		for _, n := range added {
			t.removeNode(n)
		}

		if stopErr := m.stopNodes(context.WithoutCancel(ctx), lg, added, true); stopErr != nil {
			lg.Warn().Err(stopErr).Msg("Failed to stop nodes launched for a rejected reconfig.")
		}
	}

	cfg, err := readConfig(ctx, primary)
	if err != nil {
		abandon()
		return ReplSetConfig{}, err
	}

	for _, c := range changes {
		if err := c.apply(&cfg); err != nil {
			abandon()
			return ReplSetConfig{}, errors.Wrapf(err, "cannot %s", c)
		}
	}

	cfg.Version++

	descs := lo.Map(changes, func(c Change, _ int) string { return c.String() })

	_, err = remote.Exec(ctx, primary.Conn(), "admin", bson.D{{"replSetReconfig", cfg}}, remote.Outcomes{})
	if err != nil {
		abandon()

		if ce, ok := remote.AsCommandError(err); ok {
			lg.Info().
				Strs("changes", descs).
				Int("code", ce.Code).
				Msg("Replica set rejected reconfig.")

			return ReplSetConfig{}, &ReconfigurationError{
				Group:   g.Name,
				Changes: descs,
				Version: cfg.Version,
				Cause:   ce,
			}
		}

		return ReplSetConfig{}, errors.Wrapf(err, "failed to reconfigure %#q", g.Name)
	}

	for _, n := range added {
		g.addMember(n)
	}

	var removed []*Node
	for _, c := range changes {
		if rm, ok := c.(RemoveNode); ok {
			g.removeMember(rm.Node)
			t.removeNode(rm.Node)
			removed = append(removed, rm.Node)
		}
	}

	if err := m.stopNodes(ctx, lg, removed, true); err != nil {
		return cfg, err
	}

	lg.Info().
		Strs("changes", descs).
		Int("version", cfg.Version).
		Stringer("elapsed", time.Since(start)).
		Msg("Replica set reconfigured.")

	return cfg, nil
}

// launchAdded launches a node for each AddNode change.
func (m *Manager) launchAdded(
	ctx context.Context,
	lg *logger.Logger,
	t *Topology,
	g *Group,
	changes []Change,
) ([]*Node, error) {
	var added []*Node

	for _, c := range changes {
		add, ok := c.(*AddNode)
		if !ok {
			continue
		}

		name := m.nextMemberName(t, g)
		opts := t.Spec.OptionsFor(name).merge(add.Options)

		role := process.NoClusterRole
		switch g.Kind {
		case GroupShard:
			role = process.ShardServer
		case GroupConfig:
			role = process.ConfigServer
		}

		ps := processSpec(t.Spec, name, process.Mongod, g.Name, role)
		ps.SetParameters = opts.SetParameters
		ps.ExtraArgs = opts.ExtraArgs

		n := newNode(ps, opts, g)
		t.addNode(n)

		if err := m.launchNode(ctx, lg, t, n, ps); err != nil {
			t.removeNode(n)
			if stopErr := m.stopNodes(context.WithoutCancel(ctx), lg, append(added, n), true); stopErr != nil {
				lg.Warn().Err(stopErr).Msg("Failed to stop nodes launched for a reconfig.")
			}

			return nil, err
		}

		add.node = n
		add.Options = opts
		added = append(added, n)
	}

	return added, nil
}

func (m *Manager) nextMemberName(t *Topology, g *Group) string {
	for i := len(g.Members()); ; i++ {
		name := fmt.Sprintf("%s-n%d", g.Name, i)
		if _, err := t.Node(name); err != nil {
			return name
		}
	}
}
