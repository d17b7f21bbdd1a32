package remote

import (
	"context"

	"github.com/10gen/mongo-harness/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
)

func (s *UnitTestSuite) TestCurrentOps() {
	conn := &scriptedConn{docs: testutil.MustMarshalAll(
		bson.D{
			{"opid", int32(12)},
			{"desc", "MoveChunk"},
			{"msg", "step 3 of 6"},
			{"command", bson.D{{"moveChunk", "test.coll"}, {"comment", "abc"}}},
		},
		bson.D{{"opid", int32(13)}, {"desc", "conn5"}},
	)}
	ops, err := CurrentOps(context.Background(), conn, bson.D{{"desc", "MoveChunk"}})
	s.Require().NoError(err)
	s.Require().Len(ops, 2)

	s.Assert().Equal("MoveChunk", ops[0].Desc)
	s.Assert().Equal("step 3 of 6", ops[0].Msg)
	s.Assert().Equal("abc", ops[0].Comment())
	s.Assert().Equal(int32(12), ops[0].OpID)
	s.Assert().Equal("", ops[1].Comment())
}

func (s *UnitTestSuite) TestHello() {
	reply := testutil.MustMarshal(bson.D{{"isWritablePrimary", false}, {"msg", "isdbgrid"}, {"ok", 1}})

	hello, err := Hello(context.Background(), &scriptedConn{reply: reply})
	s.Require().NoError(err)
	s.Assert().True(hello.IsRouter())
	s.Assert().False(hello.IsWritablePrimary)
}
