package fakemongo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

func msDuration(millis int) time.Duration {
	return time.Duration(millis) * time.Millisecond
}

// aggregate supports exactly the $currentOp pipelines the harness runs:
// a $currentOp stage optionally followed by $match stages.
func (s *Server) aggregate(ctx context.Context, endpoint, db string, pipeline any) ([]bson.Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.nodeLocked(endpoint)
	if err != nil {
		return nil, err
	}

	stages, err := pipelineStages(pipeline)
	if err != nil {
		return nil, err
	}

	if len(stages) == 0 || commandName(stages[0]) != "$currentOp" {
		return nil, remote.NewCommandError("aggregate", 40324, "Location40324", "only $currentOp pipelines are supported")
	}

	if db != "admin" {
		return nil, remote.NewCommandError("aggregate", 73, "InvalidNamespace", "$currentOp must be run against the 'admin' database")
	}

	docs, err := s.currentOpLocked(n)
	if err != nil {
		return nil, err
	}

	for _, stage := range stages[1:] {
		if commandName(stage) != "$match" {
			return nil, remote.NewCommandError("aggregate", 40324, "Location40324", "unsupported stage "+commandName(stage))
		}

		filter, ok := stage.Lookup("$match").DocumentOK()
		if !ok {
			return nil, remote.NewCommandError("aggregate", 15959, "Location15959", "the match filter must be an expression in an object")
		}

		var matched []bson.Raw
		for _, d := range docs {
			if matches(d, filter) {
				matched = append(matched, d)
			}
		}
		docs = matched
	}

	return docs, ctx.Err()
}

func pipelineStages(pipeline any) ([]bson.Raw, error) {
	raw, err := bson.Marshal(bson.D{{"pipeline", pipeline}})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal pipeline")
	}

	vals, err := bson.Raw(raw).Lookup("pipeline").Array().Values()
	if err != nil {
		return nil, err
	}

	stages := make([]bson.Raw, 0, len(vals))
	for _, v := range vals {
		stages = append(stages, v.Document())
	}

	return stages, nil
}

// currentOpLocked lists n's ops. A router also lists the ops of every
// shard primary, with opids of the form "<shard>:<opid>".
func (s *Server) currentOpLocked(n *node) ([]bson.Raw, error) {
	var docs []bson.Raw

	add := func(o *op, opID any, shard string) error {
		raw, err := bson.Marshal(o.doc(opID, shard))
		if err != nil {
			return err
		}
		docs = append(docs, raw)
		return nil
	}

	for _, o := range sortedOps(n) {
		if err := add(o, o.id, ""); err != nil {
			return nil, err
		}
	}

	if !n.isRouter() {
		return docs, nil
	}

	for _, shard := range s.shards {
		primary := s.shardPrimaryLocked(shard)
		if primary == nil {
			continue
		}

		for _, o := range sortedOps(primary) {
			if err := add(o, fmt.Sprintf("%s:%d", shard.name, o.id), shard.name); err != nil {
				return nil, err
			}
		}
	}

	return docs, nil
}

func sortedOps(n *node) []*op {
	ops := make([]*op, 0, len(n.ops))
	for _, o := range n.ops {
		ops = append(ops, o)
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].id < ops[j].id })

	return ops
}

func (s *Server) killOp(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	if err := requireAdmin("killOp", db); err != nil {
		return nil, err
	}

	target := n
	opVal := cmd.Lookup("op")

	var id int
	if str, ok := opVal.StringValueOK(); ok {
		if !n.isRouter() {
			return nil, remote.NewCommandError("killOp", 2, "BadValue", "invalid op: "+str)
		}

		shardName, idStr, found := strings.Cut(str, ":")
		parsed, err := strconv.Atoi(idStr)
		if !found || err != nil {
			return nil, remote.NewCommandError("killOp", 2, "BadValue", "invalid op: "+str)
		}

		shard := s.shardLocked(shardName)
		if shard == nil {
			return nil, remote.NewCommandError("killOp", 70, "ShardNotFound", "shard "+shardName+" not found")
		}

		target = s.shardPrimaryLocked(shard)
		if target == nil {
			return okReply(bson.E{"info", "shard primary unavailable"})
		}
		id = parsed
	} else if parsed, ok := rawInt(opVal); ok {
		id = parsed
	} else {
		return nil, remote.NewCommandError("killOp", 2, "BadValue", "op must be a number")
	}

	if o, ok := target.ops[int64(id)]; ok {
		o.kill()
		s.cond.Broadcast()
	}

	return okReply(bson.E{"info", "attempting to kill op"})
}
