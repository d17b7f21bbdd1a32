package stepsync

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/steps"
	"github.com/10gen/mongo-harness/internal/testutil/fakemongo"
	"github.com/cespare/permute/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

var fastConfig = Config{StepTimeout: 2 * time.Second, PollInterval: 5 * time.Millisecond}

func (s *UnitTestSuite) TestProceedToWalksEveryStep() {
	ctx := context.Background()
	conn := newSteppingConn("MoveChunk", int(steps.MoveChunk.Last()))

	ctl := New(steps.MoveChunk, conn, s.logger, fastConfig)
	s.Require().NoError(ctl.Pause(ctx, steps.MoveChunkParsedOptions))

	for _, step := range steps.MoveChunk.All() {
		op, err := ctl.ProceedTo(ctx, step)
		s.Require().NoError(err, "step %s", step)
		s.Assert().Equal(steps.MoveChunk.Message(step), op.Msg)
		s.Assert().Equal(step, ctl.LastObserved().MustGet())
	}

	// The first ProceedTo re-armed step 1 without a remote call; every later
	// one armed its own step and released the previous one.
	s.Assert().Equal(1+2*(len(steps.MoveChunk.All())-1), conn.calls())

	s.Require().NoError(ctl.ReleaseAll(ctx))
	s.Assert().Equal(2*len(steps.MoveChunk.All()), conn.calls())
}

func (s *UnitTestSuite) TestUnknownStep() {
	ctx := context.Background()
	conn := newSteppingConn("migrateThread", int(steps.Migrate.Last()))
	ctl := New(steps.Migrate, conn, s.logger, fastConfig)

	for _, step := range []steps.MigrateStep{0, steps.Migrate.Last() + 1} {
		_, err := ctl.ProceedTo(ctx, step)
		s.Assert().ErrorIs(err, ErrUnknownStep)
	}

	s.Assert().Zero(conn.calls())
}

func (s *UnitTestSuite) TestOutOfOrderFailsBeforeAnyRemoteCall() {
	ctx := context.Background()

	requests := []steps.MoveChunkStep{
		steps.MoveChunkInstalledMigrationSourceManager,
		steps.MoveChunkReachedSteadyState,
		steps.MoveChunkDataCommitted,
	}

	p := permute.Slice(requests)
	for p.Permute() {
		conn := newSteppingConn("MoveChunk", int(steps.MoveChunk.Last()))
		ctl := New(steps.MoveChunk, conn, s.logger, fastConfig)

		var highest steps.MoveChunkStep
		for _, step := range requests {
			before := conn.calls()
			_, err := ctl.ProceedTo(ctx, step)

			if step <= highest {
				s.Assert().ErrorIs(err, ErrStepOutOfOrder, "order %v, step %s", requests, step)
				s.Assert().Equal(before, conn.calls(), "order %v: rejected step must not reach the server", requests)
				continue
			}

			s.Require().NoError(err, "order %v, step %s", requests, step)
			highest = step
		}
	}
}

func (s *UnitTestSuite) TestOpWithoutStepMessageTimesOut() {
	ctx := context.Background()
	conn := newSteppingConn("MoveChunk", int(steps.MoveChunk.Last()))
	conn.noMsg = true

	ctl := New(
		steps.MoveChunk,
		conn,
		s.logger,
		Config{StepTimeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond},
	)

	_, err := ctl.ProceedTo(ctx, steps.MoveChunkStartedMoveChunk)

	var ste *StepTimeoutError
	s.Require().ErrorAs(err, &ste)
	s.Assert().Equal("moveChunk", ste.Kind)
	s.Assert().Equal(3, ste.Step)
	s.Assert().Equal("startedMoveChunk", ste.StepName)
	s.Assert().Len(ste.LastOps, 1, "timeout should carry the last snapshot")
	s.Assert().GreaterOrEqual(ste.Cause.Attempts, 2)
	s.Assert().True(ctl.LastObserved().IsAbsent())
}

type recordingObserver struct {
	seen []string
}

func (r *recordingObserver) ObserveStep(kind string, _ int, name string) {
	r.seen = append(r.seen, kind+"/"+name)
}

func (s *UnitTestSuite) TestMoveChunkAgainstServer() {
	ctx := context.Background()
	srv := fakemongo.New()

	cluster, err := srv.StartShardedCluster(ctx, 2, "test.coll")
	s.Require().NoError(err)

	router := srv.Conn(cluster.Router)
	donor := srv.Conn(cluster.Shards[0])

	ctl := New(steps.MoveChunk, donor, s.logger, fastConfig).
		WithWatch(router).
		WithMatch(bson.D{{"command.comment", "walk"}})

	observer := &recordingObserver{}
	ctl.Observe(observer)

	s.Require().NoError(ctl.Pause(ctx, steps.MoveChunkParsedOptions))

	errCh := make(chan error, 1)
	go func() {
		_, err := router.RunCommand(ctx, "admin", bson.D{
			{"moveChunk", "test.coll"},
			{"find", bson.D{{"_id", 0}}},
			{"to", cluster.ShardNames[1]},
			{"comment", "walk"},
		})
		errCh <- err
	}()

	for _, step := range steps.MoveChunk.All() {
		op, err := ctl.ProceedTo(ctx, step)
		s.Require().NoError(err)
		s.Assert().Equal("walk", op.Comment())

		select {
		case err := <-errCh:
			s.Require().Failf("moveChunk finished early", "at step %s: %v", step, err)
		default:
		}
	}

	s.Assert().Equal(
		[]string{
			"moveChunk/parsedOptions",
			"moveChunk/installedMigrationSourceManager",
			"moveChunk/startedMoveChunk",
			"moveChunk/reachedSteadyState",
			"moveChunk/chunkDataCommitted",
			"moveChunk/committed",
		},
		observer.seen,
	)

	s.Require().NoError(ctl.ReleaseAll(ctx))
	s.Assert().Empty(srv.ArmedFailPoints(cluster.Shards[0]))

	select {
	case err := <-errCh:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("moveChunk should finish once released")
	}
}

func (s *UnitTestSuite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(context.Background())
	conn := newSteppingConn("MoveChunk", int(steps.MoveChunk.Last()))
	conn.noMsg = true

	ctl := New(steps.MoveChunk, conn, s.logger, Config{StepTimeout: time.Hour, PollInterval: 10 * time.Millisecond})

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := ctl.ProceedTo(ctx, steps.MoveChunkParsedOptions)
	s.Require().Error(err)
	s.Assert().ErrorIs(err, context.Canceled)

	var ste *StepTimeoutError
	s.Assert().False(errors.As(err, &ste))
}

var _ remote.Conn = &steppingConn{}
