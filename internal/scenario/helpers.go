package scenario

import (
	"context"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

const testDB = "test"

// insertDocs inserts n documents with _id 0..n-1, acknowledged by a
// majority.
func insertDocs(ctx context.Context, conn remote.Conn, coll string, n int) error {
	docs := lo.Times(n, func(i int) any {
		return bson.D{{"_id", i}, {"x", i}}
	})

	_, err := conn.RunCommand(ctx, testDB, bson.D{
		{"insert", coll},
		{"documents", docs},
		{"writeConcern", bson.D{{"w", "majority"}}},
	})

	return errors.Wrapf(err, "failed to insert %d documents into %s.%s", n, testDB, coll)
}

// replicaSet returns the topology's only replica set, its primary and its
// secondaries.
func replicaSet(ctx context.Context, run *Run) (*topology.Group, *topology.Node, []*topology.Node, error) {
	groups := run.Topology.Groups()
	if len(groups) != 1 {
		return nil, nil, nil, errors.Errorf("expected one replica set, found %d", len(groups))
	}

	g := groups[0]

	primary, err := run.Topology.Primary(ctx, g)
	if err != nil {
		return nil, nil, nil, err
	}

	return g, primary, lo.Without(g.Members(), primary), nil
}

// shardPrimaries returns the primary of each shard, in shard order.
func shardPrimaries(ctx context.Context, run *Run) ([]*topology.Node, error) {
	var primaries []*topology.Node

	for _, g := range run.Topology.Shards() {
		p, err := run.Topology.Primary(ctx, g)
		if err != nil {
			return nil, err
		}

		primaries = append(primaries, p)
	}

	return primaries, nil
}
