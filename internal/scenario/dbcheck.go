package scenario

import (
	"context"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/10gen/mongo-harness/internal/verify"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	dbCheckColl     = "dbcheck"
	dbCheckDocs     = 1000
	dbCheckPerBatch = 100
	dbCheckBatches  = dbCheckDocs / dbCheckPerBatch
)

// dbCheckTopology is a two-node replica set that logs every dbCheck batch.
func dbCheckTopology(name string) topology.Spec {
	return topology.Spec{
		Name:  name,
		Kind:  topology.KindReplSet,
		Nodes: 2,
		Defaults: topology.NodeOptions{
			SetParameters: map[string]string{"dbCheckHealthLogEveryNBatches": "1"},
		},
	}
}

func init() {
	register(Scenario{
		Name:        "dbcheck-collection-uuid",
		Description: "dbCheck batch entries carry the collection UUID on every member",
		Topology:    dbCheckTopology("dbcheck-uuid"),
		Run:         runDBCheckCollectionUUID,
	})

	register(Scenario{
		Name:        "dbcheck-write-concern",
		Description: "dbCheck warns once per batch when its batch write concern cannot be met",
		Topology:    dbCheckTopology("dbcheck-wc"),
		Run:         runDBCheckWriteConcern,
	})
}

func startDBCheck(ctx context.Context, conn remote.Conn, extra ...bson.E) error {
	cmd := append(bson.D{
		{"dbCheck", dbCheckColl},
		{"maxDocsPerBatch", dbCheckPerBatch},
	}, extra...)

	_, err := remote.Exec(ctx, conn, testDB, cmd, remote.Outcomes{})
	return err
}

func batchFilter(severity verify.Severity) verify.EventFilter {
	return verify.EventFilter{
		Operation: "dbCheckBatch",
		Severity:  severity,
		Namespace: testDB + "." + dbCheckColl,
	}
}

var stopFilter = verify.EventFilter{Operation: "dbCheckStop"}

func runDBCheckCollectionUUID(ctx context.Context, run *Run) error {
	_, primary, secondaries, err := replicaSet(ctx, run)
	if err != nil {
		return err
	}

	if err := insertDocs(ctx, primary.Conn(), dbCheckColl, dbCheckDocs); err != nil {
		return err
	}

	collUUID, err := remote.CollectionUUID(ctx, primary.Conn(), testDB, dbCheckColl)
	if err != nil {
		return err
	}
	run.Record("collection uuid", collUUID)

	if err := startDBCheck(ctx, primary.Conn()); err != nil {
		return err
	}

	for _, n := range append([]*topology.Node{primary}, secondaries...) {
		conn := n.Conn()

		if err := run.Verifier.AwaitEventCount(ctx, conn, stopFilter, 1, run.ConditionTimeout); err != nil {
			return err
		}

		withUUID := batchFilter(verify.SeverityInfo)
		withUUID.CollectionUUID = mo.Some(collUUID)

		if err := run.Verifier.AwaitEventCount(ctx, conn, withUUID, dbCheckBatches, run.ConditionTimeout); err != nil {
			return err
		}
		run.Record(n.Name()+" batches with uuid", dbCheckBatches)

		withoutUUID := batchFilter("")
		withoutUUID.MissingCollectionUUID = true

		missing, err := verify.CountMatchingEvents(ctx, conn, withoutUUID)
		if err != nil {
			return err
		}

		if err := Expect(run, n.Name()+" batches without uuid", int64(0), missing); err != nil {
			return err
		}

		events, err := verify.ListEvents(ctx, conn, batchFilter(verify.SeverityInfo))
		if err != nil {
			return err
		}

		for _, ev := range events {
			if err := Expect(run, n.Name()+" batch uuid", mo.Some(collUUID), ev.UUID()); err != nil {
				return err
			}
		}
	}

	return nil
}

func runDBCheckWriteConcern(ctx context.Context, run *Run) error {
	_, primary, secondaries, err := replicaSet(ctx, run)
	if err != nil {
		return err
	}

	if err := insertDocs(ctx, primary.Conn(), dbCheckColl, dbCheckDocs); err != nil {
		return err
	}

	wc := bson.E{"batchWriteConcern", bson.D{{"w", "majority"}, {"wtimeout", 1000}}}
	conn := primary.Conn()

	// With every member up the write concern is met and nothing warns.
	if err := startDBCheck(ctx, conn, wc); err != nil {
		return err
	}

	if err := run.Verifier.AwaitEventCount(ctx, conn, stopFilter, 1, run.ConditionTimeout); err != nil {
		return err
	}

	warnings, err := verify.CountMatchingEvents(ctx, conn, batchFilter(verify.SeverityWarning))
	if err != nil {
		return err
	}

	if err := Expect(run, "warnings with all members up", int64(0), warnings); err != nil {
		return err
	}

	for _, n := range secondaries {
		if err := run.Manager.StopNode(ctx, run.Topology, n); err != nil {
			return err
		}
	}
	run.Record("stopped secondaries", len(secondaries))

	if err := startDBCheck(ctx, conn, wc); err != nil {
		return err
	}

	if err := run.Verifier.AwaitEventCount(ctx, conn, stopFilter, 2, run.ConditionTimeout); err != nil {
		return err
	}

	warnings, err = verify.CountMatchingEvents(ctx, conn, batchFilter(verify.SeverityWarning))
	if err != nil {
		return err
	}

	if err := Expect(run, "warnings with secondaries down", int64(dbCheckBatches), warnings); err != nil {
		return err
	}

	errs, err := verify.CountMatchingEvents(ctx, conn, batchFilter(verify.SeverityError))
	if err != nil {
		return err
	}

	if err := Expect(run, "errors with secondaries down", int64(0), errs); err != nil {
		return err
	}

	for _, n := range secondaries {
		if err := run.Manager.RestartNode(ctx, run.Topology, n); err != nil {
			return err
		}

		err := run.Verifier.AwaitMemberState(ctx, n.Conn(), verify.StateSecondary, run.ConditionTimeout)
		if err != nil {
			return err
		}
	}
	run.Record("restarted secondaries", len(secondaries))

	return nil
}
