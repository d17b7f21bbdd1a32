package scenario

import (
	"context"

	"github.com/10gen/mongo-harness/internal/bgop"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/steps"
	"github.com/10gen/mongo-harness/internal/stepsync"
	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

const moveChunkColl = "chunks"

func moveChunkTopology(name string) topology.Spec {
	return topology.Spec{
		Name:    name,
		Kind:    topology.KindSharded,
		Shards:  2,
		Nodes:   1,
		Routers: 1,
	}
}

func init() {
	register(Scenario{
		Name:        "movechunk-steps",
		Description: "walk a moveChunk through each of its steps, then let it commit",
		Topology:    moveChunkTopology("mc-steps"),
		Run:         runMoveChunkSteps,
	})

	register(Scenario{
		Name:        "movechunk-cancel",
		Description: "pause a moveChunk mid-migration, kill it, and check the chunk stayed put",
		Topology:    moveChunkTopology("mc-cancel"),
		Run:         runMoveChunkCancel,
	})
}

// moveChunkSetup shards the test collection onto the first shard, inserts
// one document, and returns a controller for the donor's moveChunk steps.
type moveChunkSetup struct {
	router     remote.Conn
	donor      *topology.Node
	recipient  *topology.Node
	toShard    string
	controller *stepsync.Controller[steps.MoveChunkStep]
}

func setUpMoveChunk(ctx context.Context, run *Run) (moveChunkSetup, error) {
	router := run.Topology.Entrypoint().Conn()
	ns := testDB + "." + moveChunkColl

	if _, err := router.RunCommand(ctx, "admin", bson.D{{"enableSharding", testDB}}); err != nil {
		return moveChunkSetup{}, errors.Wrapf(err, "failed to enable sharding on %#q", testDB)
	}

	_, err := router.RunCommand(ctx, "admin", bson.D{
		{"shardCollection", ns},
		{"key", bson.D{{"_id", 1}}},
	})
	if err != nil {
		return moveChunkSetup{}, errors.Wrapf(err, "failed to shard %#q", ns)
	}

	if err := insertDocs(ctx, router, moveChunkColl, 1); err != nil {
		return moveChunkSetup{}, err
	}

	primaries, err := shardPrimaries(ctx, run)
	if err != nil {
		return moveChunkSetup{}, err
	}

	if len(primaries) < 2 {
		return moveChunkSetup{}, errors.Errorf("moveChunk needs two shards, found %d", len(primaries))
	}

	ctl := stepsync.New(
		steps.MoveChunk,
		primaries[0].Conn(),
		run.Logger,
		run.Steps,
	).WithWatch(router)

	return moveChunkSetup{
		router:     router,
		donor:      primaries[0],
		recipient:  primaries[1],
		toShard:    run.Topology.Shards()[1].Name,
		controller: ctl,
	}, nil
}

// launch pauses the donor before its first step and starts the
// moveChunk on the router.
func (mc moveChunkSetup) launch(ctx context.Context, run *Run, accept remote.Outcomes) (*bgop.Handle, error) {
	if err := mc.controller.Pause(ctx, steps.MoveChunk.First()); err != nil {
		return nil, err
	}

	h, err := run.Runner.Launch(ctx, mc.router, bgop.Operation{
		Kind: steps.MoveChunk.Kind(),
		Command: bson.D{
			{"moveChunk", testDB + "." + moveChunkColl},
			{"find", bson.D{{"_id", 0}}},
			{"to", mc.toShard},
		},
		Accept: accept,
	})
	if err != nil {
		return nil, err
	}

	mc.controller.WithMatch(bson.D{{"command.comment", h.ID()}})
	mc.controller.Observe(h)

	return h, nil
}

func countOn(ctx context.Context, n *topology.Node) (int64, error) {
	count, err := n.Conn().CountDocuments(ctx, testDB, moveChunkColl, bson.D{})
	return count, errors.Wrapf(err, "failed to count documents on %s", n)
}

func runMoveChunkSteps(ctx context.Context, run *Run) error {
	mc, err := setUpMoveChunk(ctx, run)
	if err != nil {
		return err
	}

	h, err := mc.launch(ctx, run, remote.Outcomes{})
	if err != nil {
		return err
	}

	defer func() {
		if err := mc.controller.ReleaseAll(context.WithoutCancel(ctx)); err != nil {
			run.Logger.Warn().Err(err).Msg("Failed to release moveChunk failpoints.")
		}
	}()

	for _, step := range steps.MoveChunk.All() {
		op, err := mc.controller.ProceedTo(ctx, step)
		if err != nil {
			return err
		}

		run.Record("reached "+step.String(), op.Msg)
	}

	if err := mc.controller.ReleaseAll(ctx); err != nil {
		return err
	}

	if _, err := h.Join(ctx, run.joinTimeout()); err != nil {
		return err
	}

	if err := Expect(run, "moveChunk state", bgop.StateSucceeded, h.State()); err != nil {
		return err
	}

	onRecipient, err := countOn(ctx, mc.recipient)
	if err != nil {
		return err
	}

	return Expect(run, "documents on recipient", int64(1), onRecipient)
}

func runMoveChunkCancel(ctx context.Context, run *Run) error {
	mc, err := setUpMoveChunk(ctx, run)
	if err != nil {
		return err
	}

	h, err := mc.launch(ctx, run, remote.Accept(util.Interrupted))
	if err != nil {
		return err
	}

	defer func() {
		if err := mc.controller.ReleaseAll(context.WithoutCancel(ctx)); err != nil {
			run.Logger.Warn().Err(err).Msg("Failed to release moveChunk failpoints.")
		}
	}()

	for _, step := range []steps.MoveChunkStep{
		steps.MoveChunkParsedOptions,
		steps.MoveChunkInstalledMigrationSourceManager,
		steps.MoveChunkStartedMoveChunk,
	} {
		if _, err := mc.controller.ProceedTo(ctx, step); err != nil {
			return err
		}
	}
	run.Record("paused at", steps.MoveChunkStartedMoveChunk)

	if err := run.Runner.Cancel(ctx, h); err != nil {
		return err
	}

	if _, err := h.Join(ctx, run.joinTimeout()); err != nil {
		return err
	}

	if err := Expect(run, "moveChunk failure code", util.Interrupted, h.FailureCode().OrElse(0)); err != nil {
		return err
	}

	err = run.Verifier.AwaitOpCount(
		ctx,
		mc.router,
		bson.D{{"command.comment", h.ID()}},
		0,
		run.ConditionTimeout,
	)
	if err != nil {
		return err
	}

	onDonor, err := countOn(ctx, mc.donor)
	if err != nil {
		return err
	}

	return Expect(run, "documents left on donor", int64(1), onDonor)
}
