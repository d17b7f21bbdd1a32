package verify

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/internal/process"
	"github.com/10gen/mongo-harness/internal/testutil/fakemongo"
	"github.com/google/uuid"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
)

func (s *UnitTestSuite) TestEventFilterQuery() {
	id := uuid.MustParse("0b8e0a3c-2f5e-4c3a-9d8e-5f1b2c3d4e5f")

	s.Assert().Equal(bson.D{}, EventFilter{}.Query())

	q := EventFilter{
		Operation:      "dbCheckBatch",
		Severity:       SeverityInfo,
		CollectionUUID: mo.Some(id),
		Extra:          bson.D{{"data.success", true}},
	}.Query()

	s.Require().Len(q, 4)
	s.Assert().Equal(bson.E{"operation", "dbCheckBatch"}, q[0])
	s.Assert().Equal(bson.E{"severity", "info"}, q[1])
	s.Assert().Equal("collectionUUID", q[2].Key)
	s.Assert().Equal(bson.E{"data.success", true}, q[3])

	missing := EventFilter{MissingCollectionUUID: true}.Query()
	s.Assert().Equal(bson.D{{"collectionUUID", bson.D{{"$exists", false}}}}, missing)
}

func (s *UnitTestSuite) TestCountMatchingEvents() {
	ctx := context.Background()
	srv := fakemongo.New()

	p, err := srv.Launch(ctx, s.logger, process.Spec{Name: "solo", Binary: process.Mongod})
	s.Require().NoError(err)
	conn := srv.Conn(p.Endpoint())

	n, err := CountMatchingEvents(ctx, conn, EventFilter{})
	s.Require().NoError(err)
	s.Assert().Zero(n, "an empty health log counts zero")

	id := uuid.New()
	s.Require().NoError(srv.AppendHealthLog(p.Endpoint(), bson.D{
		{"operation", "dbCheckBatch"},
		{"severity", "info"},
		{"collectionUUID", uuidValue(id)},
	}))
	s.Require().NoError(srv.AppendHealthLog(p.Endpoint(), bson.D{
		{"operation", "dbCheckStart"},
		{"severity", "info"},
	}))

	n, err = CountMatchingEvents(ctx, conn, EventFilter{Operation: "dbCheckBatch", CollectionUUID: mo.Some(id)})
	s.Require().NoError(err)
	s.Assert().EqualValues(1, n)

	n, err = CountMatchingEvents(ctx, conn, EventFilter{MissingCollectionUUID: true})
	s.Require().NoError(err)
	s.Assert().EqualValues(1, n)

	n, err = CountMatchingEvents(ctx, conn, EventFilter{Operation: "dbCheckBatch", CollectionUUID: mo.Some(uuid.New())})
	s.Require().NoError(err)
	s.Assert().Zero(n)

	events, err := ListEvents(ctx, conn, EventFilter{Operation: "dbCheckBatch"})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Assert().Equal(id, events[0].UUID().MustGet())
	s.Assert().Equal(SeverityInfo, events[0].Severity)
}

func (s *UnitTestSuite) TestAwaitEventCount() {
	ctx := context.Background()
	srv := fakemongo.New()

	p, err := srv.Launch(ctx, s.logger, process.Spec{Name: "solo", Binary: process.Mongod})
	s.Require().NoError(err)

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(20 * time.Millisecond)
			_ = srv.AppendHealthLog(p.Endpoint(), bson.D{{"operation", "dbCheckBatch"}, {"severity", "warning"}})
		}
	}()

	v := New(s.logger, fastConfig)
	filter := EventFilter{Operation: "dbCheckBatch", Severity: SeverityWarning}

	s.Require().NoError(v.AwaitEventCount(ctx, srv.Conn(p.Endpoint()), filter, 3, 5*time.Second))

	err = v.AwaitEventCount(ctx, srv.Conn(p.Endpoint()), filter, 4, 50*time.Millisecond)

	var cte *ConditionTimeoutError
	s.Require().ErrorAs(err, &cte)
	s.Assert().EqualValues(3, cte.LastObserved)
}
