package fakemongo

import (
	"go.mongodb.org/mongo-driver/bson"
)

func (s *UnitTestSuite) TestMatches() {
	doc, err := bson.Marshal(bson.D{
		{"operation", "dbCheckBatch"},
		{"severity", "info"},
		{"count", int32(3)},
		{"data", bson.D{{"success", true}, {"count", int64(100)}}},
	})
	s.Require().NoError(err)

	type testCase struct {
		filter bson.D
		expect bool
	}

	cases := []testCase{
		{bson.D{}, true},
		{bson.D{{"operation", "dbCheckBatch"}}, true},
		{bson.D{{"operation", "dbCheckStart"}}, false},
		{bson.D{{"count", 3.0}}, true},
		{bson.D{{"data.count", 100}}, true},
		{bson.D{{"data.success", true}, {"severity", "warning"}}, false},
		{bson.D{{"collectionUUID", bson.D{{"$exists", false}}}}, true},
		{bson.D{{"severity", bson.D{{"$exists", true}}}}, true},
		{bson.D{{"severity", bson.D{{"$ne", "error"}}}}, true},
		{bson.D{{"severity", bson.D{{"$in", bson.A{"warning", "error"}}}}}, false},
		{bson.D{{"count", bson.D{{"$gte", 3}, {"$lt", 4}}}}, true},
		{bson.D{{"$or", bson.A{bson.D{{"severity", "error"}}, bson.D{{"count", 3}}}}}, true},
		{bson.D{{"$and", bson.A{bson.D{{"severity", "info"}}, bson.D{{"count", 4}}}}}, false},
	}

	for _, c := range cases {
		filter, err := bson.Marshal(c.filter)
		s.Require().NoError(err)

		s.Assert().Equal(c.expect, matches(doc, filter), "filter %v", c.filter)
	}
}
