package fakemongo

import (
	"context"
	"fmt"
	"strings"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	donorSteps     = 6
	recipientSteps = 7

	donorSteadyStep     = 4
	donorCommitStep     = 5
	recipientStartStep  = 3
	recipientSteadyStep = 6
)

type shardEntry struct {
	name    string
	setName string
	hosts   []string
}

func (s *Server) shardLocked(name string) *shardEntry {
	shard, _ := lo.Find(s.shards, func(e *shardEntry) bool { return e.name == name })
	return shard
}

func (s *Server) shardPrimaryLocked(shard *shardEntry) *node {
	if shard == nil {
		return nil
	}

	if shard.setName != "" {
		return s.primaryOfLocked(shard.setName)
	}

	for _, h := range shard.hosts {
		if n, ok := s.nodes[h]; ok && n.up {
			return n
		}
	}

	return nil
}

func requireRouter(cmdName string, n *node) error {
	if n.isRouter() {
		return nil
	}

	return remote.NewCommandError(cmdName, 59, "CommandNotFound", fmt.Sprintf("no such command: '%s'", cmdName))
}

func (s *Server) addShard(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	const cmdName = "addShard"

	if err := requireAdmin(cmdName, db); err != nil {
		return nil, err
	}

	if err := requireRouter(cmdName, n); err != nil {
		return nil, err
	}

	connStr, _ := cmd.Lookup(cmdName).StringValueOK()

	entry := &shardEntry{}
	hostList := connStr
	if setName, hosts, found := strings.Cut(connStr, "/"); found {
		entry.setName = setName
		hostList = hosts
	}
	entry.hosts = strings.Split(hostList, ",")

	for _, h := range entry.hosts {
		hn, ok := s.nodes[h]
		if !ok || !hn.up {
			return nil, remote.NewCommandError(cmdName, 96, "OperationFailed", "failed to connect to "+h)
		}

		if hn.replSet != entry.setName {
			return nil, remote.NewCommandError(
				cmdName,
				96,
				"OperationFailed",
				fmt.Sprintf("host %s belongs to replica set %#q, not %#q", h, hn.replSet, entry.setName),
			)
		}
	}

	if existing, ok := lo.Find(s.shards, func(e *shardEntry) bool {
		return strings.Join(e.hosts, ",") == strings.Join(entry.hosts, ",")
	}); ok {
		return okReply(bson.E{"shardAdded", existing.name})
	}

	switch {
	case cmd.Lookup("name").Type == bson.TypeString:
		entry.name = cmd.Lookup("name").StringValue()
	case entry.setName != "":
		entry.name = entry.setName
	default:
		entry.name = fmt.Sprintf("shard%04d", len(s.shards))
	}

	s.shards = append(s.shards, entry)

	return okReply(bson.E{"shardAdded", entry.name})
}

func (s *Server) enableSharding(_ context.Context, n *node, db string, _ bson.Raw) (bson.Raw, error) {
	if err := requireAdmin("enableSharding", db); err != nil {
		return nil, err
	}

	return okReply()
}

func (s *Server) shardCollection(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	const cmdName = "shardCollection"

	if err := requireAdmin(cmdName, db); err != nil {
		return nil, err
	}

	if err := requireRouter(cmdName, n); err != nil {
		return nil, err
	}

	ns, _ := cmd.Lookup(cmdName).StringValueOK()
	if !strings.Contains(ns, ".") {
		return nil, remote.NewCommandError(cmdName, 73, "InvalidNamespace", "invalid namespace "+ns)
	}

	if len(s.shards) == 0 {
		return nil, remote.NewCommandError(cmdName, 70, "ShardNotFound", "no shards have been added")
	}

	if _, ok := s.sharded[ns]; !ok {
		s.sharded[ns] = s.shards[0].name
	}

	return okReply(bson.E{"collectionsharded", ns})
}

// moveChunk migrates the collection's chunk from its owning shard to
// another. The donor and recipient each report their progress as
// "step N of M" messages and pause at their per-step failpoints.
func (s *Server) moveChunk(ctx context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	const cmdName = "moveChunk"

	if err := requireAdmin(cmdName, db); err != nil {
		return nil, err
	}

	if err := requireRouter(cmdName, n); err != nil {
		return nil, err
	}

	ns, _ := cmd.Lookup(cmdName).StringValueOK()
	to, _ := cmd.Lookup("to").StringValueOK()

	owner, ok := s.sharded[ns]
	if !ok {
		return nil, remote.NewCommandError(cmdName, 118, "NamespaceNotSharded", ns+" is not sharded")
	}

	recipientShard := s.shardLocked(to)
	if recipientShard == nil {
		return nil, remote.NewCommandError(cmdName, 70, "ShardNotFound", "Shard "+to+" not found")
	}

	if to == owner {
		return okReply()
	}

	donor := s.shardPrimaryLocked(s.shardLocked(owner))
	recipient := s.shardPrimaryLocked(recipientShard)
	if donor == nil || recipient == nil {
		return nil, remote.NewCommandError(cmdName, 133, "FailedToSatisfyReadPreference", "no primary for a shard in the migration")
	}

	routerOp := s.registerOpLocked(n, "conn", "command", ns, cmd)
	defer s.unregisterOpLocked(routerOp)

	donorOp := s.registerOpLocked(donor, "MoveChunk", "command", ns, cmd)
	defer s.unregisterOpLocked(donorOp)

	routerOp.children = append(routerOp.children, donorOp)

	if err := s.runDonorLocked(ctx, donorOp, recipient); err != nil {
		return nil, err
	}

	s.migrateLocked(ns, donor, recipient)
	s.sharded[ns] = to

	return okReply(bson.E{"millis", 1})
}

// migrateLocked moves the collection's documents from the donor's set to
// the recipient's.
func (s *Server) migrateLocked(ns string, donor, recipient *node) {
	c, ok := donor.colls[ns]
	if !ok {
		return
	}

	moved := c.clone()
	recipient.colls[ns] = moved
	s.replicateLocked(recipient, func(m *node) { m.colls[ns] = moved.clone() })

	c.docs = nil
	s.replicateLocked(donor, func(m *node) {
		if mc, ok := m.colls[ns]; ok {
			mc.docs = nil
		}
	})
}

func (s *Server) runDonorLocked(ctx context.Context, donorOp *op, recipient *node) error {
	var recipientOp *op

	abort := func(err error) error {
		if recipientOp != nil && !recipientOp.done {
			recipientOp.kill()
			s.cond.Broadcast()
		}
		return err
	}

	recipientFailed := func() error {
		if recipientOp != nil && recipientOp.killed {
			return remote.NewCommandError("moveChunk", 96, "OperationFailed", "migration aborted by the recipient")
		}
		return nil
	}

	for step := 1; step <= donorSteps; step++ {
		var err error

		switch step {
		case recipientStartStep:
			recipientOp = s.registerOpLocked(recipient, "migrateThread", "command", donorOp.ns, nil)
			donorOp.children = append(donorOp.children, recipientOp)
			go s.runRecipient(recipientOp, donorOp)
		case donorSteadyStep:
			err = s.waitLocked(ctx, donorOp, func() bool {
				return recipientOp.done || recipientOp.step >= recipientSteadyStep
			})
		case donorSteps:
			err = s.waitLocked(ctx, donorOp, func() bool { return recipientOp.done })
		}

		if err == nil {
			err = recipientFailed()
		}

		if err == nil {
			err = s.reachStepLocked(ctx, donorOp, step, donorSteps, "moveChunkHangAtStep")
		}

		if err != nil {
			return abort(err)
		}
	}

	return nil
}

func (s *Server) runRecipient(recipientOp, donorOp *op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unregisterOpLocked(recipientOp)

	ctx := context.Background()

	for step := 1; step <= recipientSteps; step++ {
		if step == recipientSteps {
			err := s.waitLocked(ctx, recipientOp, func() bool {
				return donorOp.step >= donorCommitStep || donorOp.done || donorOp.killed
			})
			if err != nil || donorOp.killed {
				recipientOp.kill()
				return
			}
		}

		if err := s.reachStepLocked(ctx, recipientOp, step, recipientSteps, "migrateThreadHangAtStep"); err != nil {
			recipientOp.kill()
			return
		}
	}
}

// reachStepLocked publishes the op's progress, pauses at the step's
// failpoint while it stays on, and then spends the step delay.
func (s *Server) reachStepLocked(ctx context.Context, o *op, step, of int, failPointPrefix string) error {
	if err := s.interruptedLocked(ctx, o); err != nil {
		return err
	}

	o.step = step
	o.msg = fmt.Sprintf("step %d of %d", step, of)
	s.cond.Broadcast()

	name := fmt.Sprintf("%s%d", failPointPrefix, step)
	if _, fired := o.node.hitFailPoint(name); fired {
		err := s.waitLocked(ctx, o, func() bool { return !o.node.failPointOn(name) })
		if err != nil {
			return err
		}
	}

	return s.sleepLocked(ctx, o, s.stepDelay)
}
