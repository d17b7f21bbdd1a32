package remote

import (
	"github.com/10gen/mongo-harness/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func (s *UnitTestSuite) TestLookup() {
	doc := testutil.MustMarshal(bson.D{
		{"opid", 12},
		{"desc", "MoveChunk"},
		{"command", bson.D{
			{"moveChunk", "test.coll"},
			{"comment", "abc"},
		}},
		{"locks", bson.A{"Global", bson.D{{"mode", "IX"}}}},
	})

	opid, found, err := Lookup[int](doc, "opid")
	s.Require().NoError(err)
	s.Assert().True(found)
	s.Assert().Equal(12, opid)

	comment, found, err := Lookup[string](doc, "command", "comment")
	s.Require().NoError(err)
	s.Assert().True(found)
	s.Assert().Equal("abc", comment)

	mode, _, err := Lookup[string](doc, "locks", "1", "mode")
	s.Require().NoError(err)
	s.Assert().Equal("IX", mode)

	_, found, err = Lookup[string](doc, "not there")
	s.Require().NoError(err)
	s.Assert().False(found)

	_, found, err = Lookup[int](doc, "desc")
	s.Assert().True(found)
	s.Assert().ErrorContains(err, "desc")

	_, _, err = Lookup[string](doc[:len(doc)-2], "not there")
	s.Assert().ErrorAs(err, &bsoncore.InsufficientBytesError{})
}

func (s *UnitTestSuite) TestOpComment() {
	s.Assert().Empty(Op{}.Comment())

	op := Op{Command: testutil.MustMarshal(bson.D{{"insert", "coll"}, {"comment", "bgop-1"}})}
	s.Assert().Equal("bgop-1", op.Comment())

	op = Op{Command: testutil.MustMarshal(bson.D{{"insert", "coll"}, {"comment", bson.D{{"id", 1}}}})}
	s.Assert().Empty(op.Comment(), "non-string comments are ignored")
}
