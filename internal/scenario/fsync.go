package scenario

import (
	"context"
	"strings"
	"time"

	"github.com/10gen/mongo-harness/internal/bgop"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

const fsyncColl = "fsync"

func init() {
	register(Scenario{
		Name:        "fsync-lock",
		Description: "fsync lock blocks writes until fsyncUnlock, which fails when nothing is locked",
		Topology:    topology.Spec{Name: "fsync", Kind: topology.KindStandalone},
		Run:         runFsyncLock,
	})
}

func fsyncUnlock(ctx context.Context, conn remote.Conn) (remote.Result, error) {
	return remote.Exec(ctx, conn, "admin", bson.D{{"fsyncUnlock", 1}}, remote.Accept(util.IllegalOperation))
}

func runFsyncLock(ctx context.Context, run *Run) error {
	conn := run.Topology.Entrypoint().Conn()

	res, err := fsyncUnlock(ctx, conn)
	if err != nil {
		return err
	}

	ce, rejected := res.Accepted.Get()
	if !rejected {
		return errors.New("fsyncUnlock succeeded although nothing was locked")
	}

	if !strings.Contains(ce.Message, "not locked") {
		return errors.Errorf("fsyncUnlock failed for the wrong reason: %v", ce)
	}
	run.Record("unlock while unlocked", ce.Message)

	if err := insertDocs(ctx, conn, fsyncColl, 1); err != nil {
		return err
	}

	if _, err := conn.RunCommand(ctx, "admin", bson.D{{"fsync", 1}, {"lock", true}}); err != nil {
		return errors.Wrap(err, "failed to fsync lock")
	}

	h, err := run.Runner.Launch(ctx, conn, bgop.Operation{
		Kind: "insert",
		DB:   testDB,
		Command: bson.D{
			{"insert", fsyncColl},
			{"documents", bson.A{bson.D{{"_id", "blocked"}}}},
		},
	})
	if err != nil {
		return err
	}

	blocked := bson.D{
		{"waitingForLock", true},
		{"command.comment", h.ID()},
	}

	if err := run.Verifier.AwaitOpCount(ctx, conn, blocked, 1, run.ConditionTimeout); err != nil {
		return err
	}
	run.Record("insert waiting for lock", h.State())

	_, err = h.Join(ctx, 100*time.Millisecond)
	var joinErr *bgop.JoinTimeoutError
	if !errors.As(err, &joinErr) {
		return errors.Errorf("insert should still be blocked, but join returned %v", err)
	}

	res, err = fsyncUnlock(ctx, conn)
	if err != nil {
		return err
	}

	if ce, failed := res.Accepted.Get(); failed {
		return errors.Wrap(ce, "fsyncUnlock failed while locked")
	}

	if _, err := h.Join(ctx, run.joinTimeout()); err != nil {
		return err
	}

	count, err := conn.CountDocuments(ctx, testDB, fsyncColl, bson.D{})
	if err != nil {
		return err
	}

	return Expect(run, "documents after unlock", int64(2), count)
}
