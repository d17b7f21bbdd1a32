package fakemongo

import (
	"context"
	"fmt"
	"strings"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/process"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// ShardedCluster is a router in front of standalone shard nodes. Tests
// that exercise step synchronization or background operations use it in
// place of a full topology.
type ShardedCluster struct {
	Router     string
	Shards     []string
	ShardNames []string
}

// StartShardedCluster starts a router and numShards shard nodes, and
// shards each of the given namespaces onto the first shard.
func (s *Server) StartShardedCluster(ctx context.Context, numShards int, namespaces ...string) (ShardedCluster, error) {
	lg := logger.NewDiscardLogger()
	var cluster ShardedCluster

	router, err := s.Launch(ctx, lg, process.Spec{Name: "router", Binary: process.Mongos})
	if err != nil {
		return cluster, err
	}
	cluster.Router = router.Endpoint()
	routerConn := s.Conn(cluster.Router)

	for i := 0; i < numShards; i++ {
		shard, err := s.Launch(ctx, lg, process.Spec{
			Name:        fmt.Sprintf("shard%d", i),
			Binary:      process.Mongod,
			ClusterRole: process.ShardServer,
		})
		if err != nil {
			return cluster, err
		}
		cluster.Shards = append(cluster.Shards, shard.Endpoint())

		reply, err := routerConn.RunCommand(ctx, "admin", bson.D{{"addShard", shard.Endpoint()}})
		if err != nil {
			return cluster, errors.Wrapf(err, "failed to add shard %#q", shard.Endpoint())
		}
		cluster.ShardNames = append(cluster.ShardNames, reply.Lookup("shardAdded").StringValue())
	}

	for _, ns := range namespaces {
		db, _, _ := strings.Cut(ns, ".")

		if _, err := routerConn.RunCommand(ctx, "admin", bson.D{{"enableSharding", db}}); err != nil {
			return cluster, err
		}

		cmd := bson.D{{"shardCollection", ns}, {"key", bson.D{{"_id", 1}}}}
		if _, err := routerConn.RunCommand(ctx, "admin", cmd); err != nil {
			return cluster, err
		}
	}

	return cluster, nil
}

// StartReplicaSet starts and initiates a replica set whose first member
// becomes primary. It returns the member endpoints once initiation has
// been accepted; the election completes shortly after.
func (s *Server) StartReplicaSet(ctx context.Context, name string, members int) ([]string, error) {
	lg := logger.NewDiscardLogger()

	var endpoints []string
	var config bson.A

	for i := 0; i < members; i++ {
		p, err := s.Launch(ctx, lg, process.Spec{
			Name:    fmt.Sprintf("%s-n%d", name, i),
			Binary:  process.Mongod,
			ReplSet: name,
		})
		if err != nil {
			return nil, err
		}

		endpoints = append(endpoints, p.Endpoint())
		config = append(config, bson.D{
			{"_id", i},
			{"host", p.Endpoint()},
			{"priority", float64(members - i)},
		})
	}

	cmd := bson.D{{"replSetInitiate", bson.D{{"_id", name}, {"members", config}}}}
	if _, err := s.Conn(endpoints[0]).RunCommand(ctx, "admin", cmd); err != nil {
		return nil, errors.Wrapf(err, "failed to initiate %#q", name)
	}

	return endpoints, nil
}
