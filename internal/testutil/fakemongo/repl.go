package fakemongo

import (
	"context"
	"fmt"
	"time"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

type replMember struct {
	ID          int     `bson:"_id"`
	Host        string  `bson:"host"`
	Priority    float64 `bson:"priority"`
	Votes       int     `bson:"votes"`
	ArbiterOnly bool    `bson:"arbiterOnly,omitempty"`
}

type replConfig struct {
	ID      string       `bson:"_id"`
	Version int          `bson:"version"`
	Members []replMember `bson:"members"`
}

func (rc *replConfig) hosts() []string {
	return lo.Map(rc.Members, func(m replMember, _ int) string { return m.Host })
}

func (rc *replConfig) votingHosts() []string {
	return lo.FilterMap(rc.Members, func(m replMember, _ int) (string, bool) {
		return m.Host, m.Votes > 0
	})
}

// parseReplConfig reads a config document, filling in the server's
// defaults for members that omit priority or votes.
func parseReplConfig(cmdName string, raw bson.Raw) (*replConfig, error) {
	var rc replConfig
	if err := bson.Unmarshal(raw, &rc); err != nil {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", err.Error())
	}

	members, err := raw.LookupErr("members")
	if err != nil {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", "config has no members")
	}

	vals, err := members.Array().Values()
	if err != nil {
		return nil, err
	}

	for i, v := range vals {
		doc := v.Document()
		if _, err := doc.LookupErr("priority"); err != nil {
			rc.Members[i].Priority = lo.Ternary(rc.Members[i].ArbiterOnly, 0.0, 1.0)
		}
		if _, err := doc.LookupErr("votes"); err != nil {
			rc.Members[i].Votes = 1
		}
	}

	if len(rc.Members) == 0 {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", "config has no members")
	}

	if len(lo.Uniq(rc.hosts())) != len(rc.Members) {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", "duplicate host in config")
	}

	return &rc, nil
}

func (s *Server) replSetInitiate(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	const cmdName = "replSetInitiate"

	if err := requireAdmin(cmdName, db); err != nil {
		return nil, err
	}

	if !n.isReplMember() {
		return nil, remote.NewCommandError(cmdName, 76, "NoReplicationEnabled", "This node was not started with replication enabled.")
	}

	if n.config != nil {
		return nil, remote.NewCommandError(cmdName, 23, "AlreadyInitialized", "already initialized")
	}

	raw, ok := cmd.Lookup(cmdName).DocumentOK()
	if !ok {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", "missing config")
	}

	rc, err := parseReplConfig(cmdName, raw)
	if err != nil {
		return nil, err
	}

	if rc.ID != n.replSet {
		return nil, remote.NewCommandError(
			cmdName,
			93,
			"InvalidReplicaSetConfig",
			fmt.Sprintf("Attempting to initiate a replica set with name %s, but command line reports %s", rc.ID, n.replSet),
		)
	}

	if !lo.Contains(rc.hosts(), n.endpoint) {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", "No host described in new configuration maps to this node")
	}

	members, err := s.membersLocked(cmdName, rc)
	if err != nil {
		return nil, err
	}

	if rc.Version == 0 {
		rc.Version = 1
	}

	for _, m := range members {
		m.config = rc
		m.state = lo.Ternary(m.member().ArbiterOnly, stateArbiter, stateStartup2)
	}

	s.scheduleElectionLocked(rc.ID)

	return okReply()
}

// membersLocked resolves every config member to a running node of the
// same set.
func (s *Server) membersLocked(cmdName string, rc *replConfig) ([]*node, error) {
	var members []*node

	for _, m := range rc.Members {
		mn, ok := s.nodes[m.Host]
		if !ok || !mn.up {
			return nil, remote.NewCommandError(
				cmdName,
				74,
				"NodeNotFound",
				fmt.Sprintf("Quorum check failed because not enough voting nodes responded; %s is unreachable", m.Host),
			)
		}

		if mn.replSet != rc.ID {
			return nil, remote.NewCommandError(
				cmdName,
				93,
				"InvalidReplicaSetConfig",
				fmt.Sprintf("%s is a member of set %#q, not %#q", m.Host, mn.replSet, rc.ID),
			)
		}

		members = append(members, mn)
	}

	return members, nil
}

func (s *Server) setMembersLocked(setName string) []*node {
	return lo.Filter(lo.Values(s.nodes), func(n *node, _ int) bool {
		return n.config != nil && n.config.ID == setName
	})
}

func (s *Server) primaryOfLocked(setName string) *node {
	p, _ := lo.Find(s.setMembersLocked(setName), func(n *node) bool {
		return n.up && n.state == statePrimary
	})

	return p
}

func (s *Server) scheduleElectionLocked(setName string) {
	time.AfterFunc(s.electionDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.electLocked(setName)
		s.cond.Broadcast()
	})
}

// electLocked makes the highest-priority running member primary unless
// the set already has one.
func (s *Server) electLocked(setName string) {
	members := s.setMembersLocked(setName)
	if len(members) == 0 || s.primaryOfLocked(setName) != nil {
		return
	}

	candidates := lo.Filter(members, func(n *node, _ int) bool {
		return n.up && n.member().Priority > 0 && !n.member().ArbiterOnly
	})

	if len(candidates) == 0 {
		return
	}

	up := lo.CountBy(members, func(n *node) bool { return n.up && n.member().Votes > 0 })
	if up*2 <= len(members[0].config.votingHosts()) {
		return
	}

	winner := lo.MaxBy(candidates, func(a, b *node) bool {
		if a.member().Priority != b.member().Priority {
			return a.member().Priority > b.member().Priority
		}
		return a.member().ID < b.member().ID
	})

	for _, m := range members {
		if !m.up || m.member().ArbiterOnly {
			continue
		}

		if m == winner {
			m.state = statePrimary
		} else {
			m.state = stateSecondary
		}
	}
}

func (s *Server) replSetGetConfig(_ context.Context, n *node, db string, _ bson.Raw) (bson.Raw, error) {
	if err := requireAdmin("replSetGetConfig", db); err != nil {
		return nil, err
	}

	if err := requireInitiated("replSetGetConfig", n); err != nil {
		return nil, err
	}

	return okReply(bson.E{"config", n.config})
}

func (s *Server) replSetGetStatus(_ context.Context, n *node, db string, _ bson.Raw) (bson.Raw, error) {
	if err := requireAdmin("replSetGetStatus", db); err != nil {
		return nil, err
	}

	if err := requireInitiated("replSetGetStatus", n); err != nil {
		return nil, err
	}

	var members bson.A
	for _, m := range n.config.Members {
		state := stateDown
		health := 0
		if mn, ok := s.nodes[m.Host]; ok && mn.up {
			state = mn.state
			health = 1
		}

		members = append(members, bson.D{
			{"_id", m.ID},
			{"name", m.Host},
			{"health", health},
			{"state", int(state)},
			{"stateStr", state.String()},
			{"self", m.Host == n.endpoint},
		})
	}

	return okReply(
		bson.E{"set", n.config.ID},
		bson.E{"myState", int(n.state)},
		bson.E{"members", members},
	)
}

func (s *Server) replSetReconfig(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	const cmdName = "replSetReconfig"

	if err := requireAdmin(cmdName, db); err != nil {
		return nil, err
	}

	if err := requireInitiated(cmdName, n); err != nil {
		return nil, err
	}

	if n.state != statePrimary {
		return nil, remote.NewCommandError(cmdName, 10107, "NotWritablePrimary", "replSetReconfig should only be run on a writable PRIMARY")
	}

	raw, ok := cmd.Lookup(cmdName).DocumentOK()
	if !ok {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", "missing config")
	}

	next, err := parseReplConfig(cmdName, raw)
	if err != nil {
		return nil, err
	}

	cur := n.config

	if next.ID != cur.ID {
		return nil, remote.NewCommandError(cmdName, 103, "NewReplicaSetConfigError", "New and old configurations differ in replica set name")
	}

	if next.Version <= cur.Version {
		return nil, remote.NewCommandError(
			cmdName,
			103,
			"NewReplicaSetConfigError",
			fmt.Sprintf("New replica set config version %d must be greater than the current version %d", next.Version, cur.Version),
		)
	}

	if !lo.Contains(next.hosts(), n.endpoint) {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", "the current primary must remain in the config")
	}

	added, removed := lo.Difference(next.votingHosts(), cur.votingHosts())
	if len(added)+len(removed) > 1 {
		return nil, remote.NewCommandError(
			cmdName,
			103,
			"NewReplicaSetConfigError",
			"Rejecting reconfig where the new config has more than one voting member changed",
		)
	}

	if !lo.SomeBy(next.Members, func(m replMember) bool { return m.Votes > 0 && m.Priority > 0 }) {
		return nil, remote.NewCommandError(cmdName, 93, "InvalidReplicaSetConfig", "no electable voting members")
	}

	members, err := s.membersLocked(cmdName, next)
	if err != nil {
		return nil, err
	}

	for _, old := range s.setMembersLocked(cur.ID) {
		if !lo.Contains(next.hosts(), old.endpoint) {
			old.config = nil
			old.state = stateRemoved
		}
	}

	for _, m := range members {
		isNew := m.config == nil
		m.config = next

		switch {
		case m.member().ArbiterOnly:
			m.state = stateArbiter
		case isNew:
			m.state = stateSecondary
			m.copyDataFrom(n)
		}
	}

	if n.member().Priority == 0 {
		n.state = stateSecondary
		s.scheduleElectionLocked(next.ID)
	}

	s.cond.Broadcast()

	return okReply()
}

func requireInitiated(cmdName string, n *node) error {
	if !n.isReplMember() {
		return remote.NewCommandError(cmdName, 76, "NoReplicationEnabled", "not running with --replSet")
	}

	if n.config == nil {
		return remote.NewCommandError(cmdName, 94, "NotYetInitialized", "no replset config has been received")
	}

	return nil
}

// replicateLocked applies fn to every running secondary of n's set.
func (s *Server) replicateLocked(n *node, fn func(*node)) {
	if n.config == nil {
		return
	}

	for _, m := range s.setMembersLocked(n.config.ID) {
		if m != n && m.up && m.state == stateSecondary {
			fn(m)
		}
	}
}

// writeConcernSatisfiedLocked reports whether w can be acknowledged by
// n's set as it stands.
func (s *Server) writeConcernSatisfiedLocked(n *node, w bson.RawValue) (bool, error) {
	if n.config == nil {
		return true, nil
	}

	members := s.setMembersLocked(n.config.ID)

	if str, ok := w.StringValueOK(); ok {
		if str != "majority" {
			return false, errors.Errorf("unsupported write concern %#q", str)
		}

		votingUp := lo.CountBy(members, func(m *node) bool {
			return m.up && m.member().Votes > 0 && !m.member().ArbiterOnly
		})
		return votingUp*2 > len(n.config.votingHosts()), nil
	}

	running := lo.CountBy(members, func(m *node) bool {
		return m.up && !m.member().ArbiterOnly
	})

	count, ok := rawInt(w)
	if !ok {
		return true, nil
	}

	return running >= count, nil
}
