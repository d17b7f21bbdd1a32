package fakemongo

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/util"
	"go.mongodb.org/mongo-driver/bson"
)

func (s *UnitTestSuite) TestMoveChunkPausesAtStep() {
	ctx := context.Background()
	srv := New()

	cluster, err := srv.StartShardedCluster(ctx, 2, "test.coll")
	s.Require().NoError(err)

	donor := srv.Conn(cluster.Shards[0])
	recipient := srv.Conn(cluster.Shards[1])
	router := srv.Conn(cluster.Router)

	arm := func(conn remote.Conn, name, mode string) {
		_, err := conn.RunCommand(ctx, "admin", bson.D{{"configureFailPoint", name}, {"mode", mode}})
		s.Require().NoError(err)
	}

	arm(donor, "moveChunkHangAtStep4", "alwaysOn")
	arm(recipient, "migrateThreadHangAtStep5", "alwaysOn")

	errCh := make(chan error, 1)
	go func() {
		_, err := router.RunCommand(ctx, "admin", bson.D{
			{"moveChunk", "test.coll"},
			{"find", bson.D{{"_id", 0}}},
			{"to", cluster.ShardNames[1]},
			{"comment", "mc"},
		})
		errCh <- err
	}()

	op := s.awaitOp(router, bson.D{{"desc", "migrateThread"}, {"msg", "step 5 of 7"}})
	s.Assert().Equal(cluster.ShardNames[1], op.Shard)

	donorOp := s.awaitOp(router, bson.D{{"desc", "MoveChunk"}})
	s.Assert().Equal("step 3 of 6", donorOp.Msg, "donor waits for the recipient to reach steady state")
	s.Assert().Equal("mc", donorOp.Comment())

	arm(recipient, "migrateThreadHangAtStep5", "off")
	s.awaitOp(router, bson.D{{"desc", "MoveChunk"}, {"msg", "step 4 of 6"}})

	arm(donor, "moveChunkHangAtStep4", "off")

	select {
	case err := <-errCh:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("moveChunk should finish")
	}
}

func (s *UnitTestSuite) TestMoveChunkKilledThroughRouter() {
	ctx := context.Background()
	srv := New()

	cluster, err := srv.StartShardedCluster(ctx, 2, "test.coll")
	s.Require().NoError(err)

	router := srv.Conn(cluster.Router)

	_, err = srv.Conn(cluster.Shards[0]).RunCommand(ctx, "admin", bson.D{
		{"configureFailPoint", "moveChunkHangAtStep2"},
		{"mode", "alwaysOn"},
	})
	s.Require().NoError(err)

	errCh := make(chan error, 1)
	go func() {
		_, err := router.RunCommand(ctx, "admin", bson.D{
			{"moveChunk", "test.coll"},
			{"to", cluster.ShardNames[1]},
		})
		errCh <- err
	}()

	op := s.awaitOp(router, bson.D{{"desc", "MoveChunk"}, {"msg", "step 2 of 6"}})
	s.Require().IsType("", op.OpID, "router reports shard ops as <shard>:<opid>")
	s.Require().NoError(remote.KillOp(ctx, router, op.OpID))

	select {
	case err := <-errCh:
		s.Assert().True(remote.HasCode(err, util.Interrupted), "%v", err)
	case <-time.After(5 * time.Second):
		s.Fail("moveChunk should be interrupted")
	}
}

func (s *UnitTestSuite) TestFsyncLockBlocksInsert() {
	ctx := context.Background()
	srv := New()

	cluster, err := srv.StartShardedCluster(ctx, 1)
	s.Require().NoError(err)

	router := srv.Conn(cluster.Router)

	_, err = router.RunCommand(ctx, "admin", bson.D{{"fsyncUnlock", 1}})
	s.Require().True(remote.HasCode(err, util.IllegalOperation), "%v", err)
	s.Assert().Contains(err.Error(), "fsyncUnlock called when not locked")

	_, err = router.RunCommand(ctx, "admin", bson.D{{"fsync", 1}, {"lock", true}})
	s.Require().NoError(err)

	errCh := make(chan error, 1)
	go func() {
		_, err := router.RunCommand(ctx, "test", bson.D{
			{"insert", "collTest"},
			{"documents", bson.A{bson.D{{"x", 1}}}},
		})
		errCh <- err
	}()

	s.awaitOp(router, bson.D{{"op", "insert"}, {"ns", "test.collTest"}, {"waitingForLock", true}})

	select {
	case <-errCh:
		s.Fail("insert should block while locked")
	default:
	}

	_, err = router.RunCommand(ctx, "admin", bson.D{{"fsyncUnlock", 1}})
	s.Require().NoError(err)

	select {
	case err := <-errCh:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("insert should finish after unlock")
	}

	count, err := router.CountDocuments(ctx, "test", "collTest", bson.D{})
	s.Require().NoError(err)
	s.Assert().EqualValues(1, count)
}

func (s *UnitTestSuite) TestDBCheckWarnsWhenWriteConcernUnsatisfiable() {
	ctx := context.Background()
	srv := New()

	members, err := srv.StartReplicaSet(ctx, "rs0", 2)
	s.Require().NoError(err)
	s.awaitPrimary(srv, members[0])

	primary := srv.Conn(members[0])

	docs := bson.A{}
	for i := 0; i < 25; i++ {
		docs = append(docs, bson.D{{"_id", i}})
	}
	_, err = primary.RunCommand(ctx, "test", bson.D{{"insert", "c"}, {"documents", docs}})
	s.Require().NoError(err)

	_, err = primary.RunCommand(ctx, "admin", bson.D{{"setParameter", 1}, {healthLogEveryNBatchesKey, 1}})
	s.Require().NoError(err)

	srv.StopNode(members[1])

	_, err = primary.RunCommand(ctx, "test", bson.D{
		{"dbCheck", "c"},
		{"maxDocsPerBatch", 10},
		{"batchWriteConcern", bson.D{{"w", "majority"}, {"wtimeout", 10}}},
	})
	s.Require().NoError(err)

	s.Require().Eventually(
		func() bool {
			n, err := primary.CountDocuments(ctx, healthLogDB, healthLogColl, bson.D{{"operation", "dbCheckStop"}})
			return err == nil && n == 1
		},
		5*time.Second,
		10*time.Millisecond,
	)

	count := func(severity string) int64 {
		n, err := primary.CountDocuments(ctx, healthLogDB, healthLogColl, bson.D{
			{"operation", "dbCheckBatch"},
			{"severity", severity},
		})
		s.Require().NoError(err)
		return n
	}

	s.Assert().EqualValues(3, count("info"))
	s.Assert().EqualValues(3, count("warning"))
	s.Assert().EqualValues(0, count("error"))
}
