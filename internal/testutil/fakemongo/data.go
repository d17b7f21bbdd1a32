package fakemongo

import (
	"context"
	"strings"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	healthLogDB   = "local"
	healthLogColl = "system.healthlog"
)

func (s *Server) find(ctx context.Context, endpoint, db, coll string, filter any) ([]bson.Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.nodeLocked(endpoint)
	if err != nil {
		return nil, err
	}

	if filter == nil {
		filter = bson.D{}
	}

	filterRaw, err := bson.Marshal(filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal filter")
	}

	ns := db + "." + coll

	if n.isRouter() {
		if n, err = s.routeLocked("find", ns); err != nil {
			return nil, err
		}
	}

	var docs []bson.Raw
	if db == healthLogDB && coll == healthLogColl {
		docs = n.healthLog
	} else if c, ok := n.colls[ns]; ok {
		docs = c.docs
	}

	var out []bson.Raw
	for _, d := range docs {
		if matches(d, filterRaw) {
			out = append(out, d)
		}
	}

	return out, ctx.Err()
}

// routeLocked picks the shard primary that owns ns.
func (s *Server) routeLocked(cmdName, ns string) (*node, error) {
	if len(s.shards) == 0 {
		return nil, remote.NewCommandError(cmdName, 70, "ShardNotFound", "no shards have been added")
	}

	shard := s.shards[0]
	if owner, ok := s.sharded[ns]; ok {
		shard = s.shardLocked(owner)
	}

	primary := s.shardPrimaryLocked(shard)
	if primary == nil {
		return nil, remote.NewCommandError(cmdName, 133, "FailedToSatisfyReadPreference", "could not find host matching read preference for "+shard.name)
	}

	return primary, nil
}

func (s *Server) insert(ctx context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	coll, _ := cmd.Lookup("insert").StringValueOK()
	ns := db + "." + coll

	if n.isRouter() {
		target, err := s.routeLocked("insert", ns)
		if err != nil {
			return nil, err
		}
		n = target
	}

	if !n.writable() {
		return nil, remote.NewCommandError("insert", 10107, "NotWritablePrimary", "not primary")
	}

	docsVal, err := cmd.LookupErr("documents")
	if err != nil {
		return nil, remote.NewCommandError("insert", 40414, "Location40414", "BSON field 'insert.documents' is missing but a required field")
	}

	vals, err := docsVal.Array().Values()
	if err != nil {
		return nil, err
	}

	if n.fsyncLocks > 0 {
		o := s.registerOpLocked(n, "conn", "insert", ns, cmd)
		o.waitingForLock = true
		defer s.unregisterOpLocked(o)

		if err := s.waitLocked(ctx, o, func() bool { return n.fsyncLocks == 0 }); err != nil {
			return nil, err
		}

		o.waitingForLock = false
	}

	for _, v := range vals {
		doc := v.Document()
		insertLocked(n, ns, doc)
		s.replicateLocked(n, func(m *node) { insertLocked(m, ns, doc) })
	}

	s.cond.Broadcast()

	return okReply(bson.E{"n", len(vals)})
}

func insertLocked(n *node, ns string, doc bson.Raw) {
	c, ok := n.colls[ns]
	if !ok {
		c = newCollection()
		n.colls[ns] = c
	}

	c.docs = append(c.docs, doc)
}

func (s *Server) drop(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	coll, _ := cmd.Lookup("drop").StringValueOK()
	ns := db + "." + coll

	if n.isRouter() {
		target, err := s.routeLocked("drop", ns)
		if err != nil {
			return nil, err
		}
		n = target
		delete(s.sharded, ns)
	}

	if db == healthLogDB && coll == healthLogColl {
		n.healthLog = nil
		return okReply()
	}

	if !n.writable() {
		return nil, remote.NewCommandError("drop", 10107, "NotWritablePrimary", "not primary")
	}

	delete(n.colls, ns)
	s.replicateLocked(n, func(m *node) { delete(m.colls, ns) })

	return okReply(bson.E{"ns", ns})
}

func (s *Server) listCollections(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	if n.isRouter() {
		target, err := s.routeLocked("listCollections", db+".$cmd")
		if err != nil {
			return nil, err
		}
		n = target
	}

	filter, _ := cmd.Lookup("filter").DocumentOK()

	var batch bson.A
	for ns, c := range n.colls {
		collDB, name, _ := strings.Cut(ns, ".")
		if collDB != db {
			continue
		}

		info := bson.D{
			{"name", name},
			{"type", "collection"},
			{"info", bson.D{{"readOnly", false}, {"uuid", c.uuidValue()}}},
		}

		raw, err := bson.Marshal(info)
		if err != nil {
			return nil, err
		}

		if filter == nil || matches(raw, filter) {
			batch = append(batch, raw)
		}
	}

	return okReply(bson.E{"cursor", bson.D{
		{"id", int64(0)},
		{"ns", db + ".$cmd.listCollections"},
		{"firstBatch", batch},
	}})
}

// lockTargetsLocked returns the nodes an fsync lock applies to: the node
// itself, or every shard primary for a router.
func (s *Server) lockTargetsLocked(n *node) []*node {
	if !n.isRouter() {
		return []*node{n}
	}

	var targets []*node
	for _, shard := range s.shards {
		if p := s.shardPrimaryLocked(shard); p != nil {
			targets = append(targets, p)
		}
	}

	return targets
}

func (s *Server) fsync(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	if err := requireAdmin("fsync", db); err != nil {
		return nil, err
	}

	lock, _ := cmd.Lookup("lock").BooleanOK()
	if !lock {
		return okReply(bson.E{"numFiles", 1})
	}

	targets := s.lockTargetsLocked(n)
	if len(targets) == 0 {
		return nil, remote.NewCommandError("fsync", 70, "ShardNotFound", "no shards to lock")
	}

	for _, t := range targets {
		t.fsyncLocks++
	}

	return okReply(
		bson.E{"numFiles", 1},
		bson.E{"lockCount", int64(targets[0].fsyncLocks)},
		bson.E{"info", "now locked against writes, use db.fsyncUnlock() to unlock"},
	)
}

func (s *Server) fsyncUnlock(_ context.Context, n *node, db string, _ bson.Raw) (bson.Raw, error) {
	if err := requireAdmin("fsyncUnlock", db); err != nil {
		return nil, err
	}

	targets := s.lockTargetsLocked(n)

	locked := false
	for _, t := range targets {
		if t.fsyncLocks > 0 {
			t.fsyncLocks--
			locked = true
		}
	}

	if !locked {
		return nil, remote.NewCommandError("fsyncUnlock", 20, "IllegalOperation", "fsyncUnlock called when not locked")
	}

	s.cond.Broadcast()

	return okReply(bson.E{"info", "fsyncUnlock completed"})
}
