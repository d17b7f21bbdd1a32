package fakemongo

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/process"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/util"
	"go.mongodb.org/mongo-driver/bson"
)

func (s *UnitTestSuite) TestStoppedNodeIsUnreachable() {
	ctx := context.Background()
	srv := New()

	p, err := srv.Launch(ctx, logger.NewDiscardLogger(), process.Spec{Name: "solo", Binary: process.Mongod})
	s.Require().NoError(err)

	s.Require().NoError(remote.Ping(ctx, srv.Conn(p.Endpoint())))
	s.Require().NoError(p.Stop(ctx, time.Second))

	err = remote.Ping(ctx, srv.Conn(p.Endpoint()))
	s.Require().Error(err)
	s.Assert().True(util.IsTransientError(err), "%v should be transient", err)

	select {
	case <-p.Exited():
	default:
		s.Fail("process should report exit")
	}
}

func (s *UnitTestSuite) TestUnknownCommand() {
	ctx := context.Background()
	srv := New()

	p, err := srv.Launch(ctx, logger.NewDiscardLogger(), process.Spec{Name: "solo", Binary: process.Mongod})
	s.Require().NoError(err)

	_, err = srv.Conn(p.Endpoint()).RunCommand(ctx, "admin", bson.D{{"frobnicate", 1}})
	s.Assert().True(remote.HasCode(err, util.CommandNotFound), "%v", err)
}

func (s *UnitTestSuite) TestReplicaSetElectsAndReconfigures() {
	ctx := context.Background()
	srv := New()

	members, err := srv.StartReplicaSet(ctx, "rs0", 3)
	s.Require().NoError(err)
	s.awaitPrimary(srv, members[0])

	primary := srv.Conn(members[0])

	hello, err := remote.Hello(ctx, srv.Conn(members[1]))
	s.Require().NoError(err)
	s.Assert().True(hello.Secondary)
	s.Assert().Equal("rs0", hello.SetName)

	reply, err := primary.RunCommand(ctx, "admin", bson.D{{"replSetGetConfig", 1}})
	s.Require().NoError(err)

	var got struct {
		Config replConfig `bson:"config"`
	}
	s.Require().NoError(bson.Unmarshal(reply, &got))
	s.Assert().Equal(1, got.Config.Version)
	s.Assert().Len(got.Config.Members, 3)

	stale := got.Config
	_, err = primary.RunCommand(ctx, "admin", bson.D{{"replSetReconfig", stale}})
	s.Assert().True(remote.HasCode(err, util.NewReplicaSetConfigError), "%v", err)

	next := stale
	next.Version = 2
	next.Members = next.Members[:2]
	_, err = primary.RunCommand(ctx, "admin", bson.D{{"replSetReconfig", next}})
	s.Require().NoError(err)

	hello, err = remote.Hello(ctx, srv.Conn(members[2]))
	s.Require().NoError(err)
	s.Assert().False(hello.Secondary, "removed member should no longer be a secondary")

	_, err = srv.Conn(members[1]).RunCommand(ctx, "admin", bson.D{{"replSetReconfig", next}})
	s.Assert().True(remote.HasCode(err, util.NotWritablePrimary), "%v", err)
}

func (s *UnitTestSuite) TestReplSetGetStatusBeforeInitiate() {
	ctx := context.Background()
	srv := New()

	p, err := srv.Launch(ctx, logger.NewDiscardLogger(), process.Spec{Name: "n", Binary: process.Mongod, ReplSet: "rs"})
	s.Require().NoError(err)

	_, err = srv.Conn(p.Endpoint()).RunCommand(ctx, "admin", bson.D{{"replSetGetStatus", 1}})
	s.Assert().True(remote.HasCode(err, util.NotYetInitialized), "%v", err)
}

func (s *UnitTestSuite) TestRestartKeepsData() {
	ctx := context.Background()
	srv := New()

	members, err := srv.StartReplicaSet(ctx, "rs0", 2)
	s.Require().NoError(err)
	s.awaitPrimary(srv, members[0])

	primary := srv.Conn(members[0])
	_, err = primary.RunCommand(ctx, "test", bson.D{
		{"insert", "c"},
		{"documents", bson.A{bson.D{{"_id", 1}}}},
	})
	s.Require().NoError(err)

	count, err := srv.Conn(members[1]).CountDocuments(ctx, "test", "c", bson.D{})
	s.Require().NoError(err)
	s.Assert().EqualValues(1, count, "insert should replicate")

	srv.StopNode(members[1])

	_, err = primary.RunCommand(ctx, "test", bson.D{
		{"insert", "c"},
		{"documents", bson.A{bson.D{{"_id", 2}}}},
	})
	s.Require().NoError(err)

	_, err = srv.Launch(ctx, logger.NewDiscardLogger(), process.Spec{
		Name:    "rs0-n1",
		Binary:  process.Mongod,
		ReplSet: "rs0",
		Port:    firstPort + 1,
	})
	s.Require().NoError(err)

	count, err = srv.Conn(members[1]).CountDocuments(ctx, "test", "c", bson.D{})
	s.Require().NoError(err)
	s.Assert().EqualValues(2, count, "restarted member should catch up")
}

func (s *UnitTestSuite) TestFailCommand() {
	ctx := context.Background()
	srv := New()

	p, err := srv.Launch(ctx, logger.NewDiscardLogger(), process.Spec{Name: "solo", Binary: process.Mongod})
	s.Require().NoError(err)
	conn := srv.Conn(p.Endpoint())

	_, err = conn.RunCommand(ctx, "admin", bson.D{
		{"configureFailPoint", "failCommand"},
		{"mode", bson.D{{"times", 1}}},
		{"data", bson.D{{"failCommands", bson.A{"ping"}}, {"errorCode", util.LockFailed}}},
	})
	s.Require().NoError(err)

	err = remote.Ping(ctx, conn)
	s.Assert().True(remote.HasCode(err, util.LockFailed), "%v", err)

	s.Assert().NoError(remote.Ping(ctx, conn), "failpoint should fire once")
	s.Assert().Equal([]string{"failCommand:times=1"}, srv.FailPointLog(p.Endpoint()))
}

func (s *UnitTestSuite) TestSleepIsKillable() {
	ctx := context.Background()
	srv := New()

	p, err := srv.Launch(ctx, logger.NewDiscardLogger(), process.Spec{Name: "solo", Binary: process.Mongod})
	s.Require().NoError(err)
	conn := srv.Conn(p.Endpoint())

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.RunCommand(ctx, "admin", bson.D{{"sleep", 1}, {"millis", 60_000}, {"comment", "nap"}})
		errCh <- err
	}()

	op := s.awaitOp(conn, bson.D{{"command.comment", "nap"}})
	s.Require().NoError(remote.KillOp(ctx, conn, op.OpID))

	select {
	case err := <-errCh:
		s.Assert().True(remote.HasCode(err, util.Interrupted), "%v", err)
	case <-time.After(5 * time.Second):
		s.Fail("sleep should have been interrupted")
	}
}
