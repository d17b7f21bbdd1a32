package util

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

type codedErr struct{ code int }

func (c codedErr) Error() string  { return "coded" }
func (c codedErr) ErrorCode() int { return c.code }

func (suite *UnitTestSuite) TestIsTransientError() {
	type testCase struct {
		err    error
		expect bool
	}
	testCases := []testCase{
		{errors.New("Not transient"), false},
		{context.Canceled, false},
		{io.EOF, true},
		{errors.Wrap(io.EOF, "reading hello reply"), true},
		{mongo.CommandError{Code: 6}, true},
		{mongo.CommandError{Code: NotYetInitialized}, true},
		{mongo.CommandError{Code: 42}, false},
		{mongo.CommandError{Code: Interrupted}, false},
		{mongo.CommandError{Code: 0}, false},
		{mongo.CommandError{Code: 0, Message: "not master"}, true},
		{mongo.CommandError{Code: 1234567, Labels: []string{"NetworkError"}}, true},
		{mongo.CommandError{Code: 1234567, Labels: []string{"SomeNotTransientThing"}}, false},
		{mongo.CommandError{Code: 1234567, Labels: []string{"TransientTransactionError"}}, true},
		{codedErr{NotWritablePrimary}, true},
		{codedErr{IllegalOperation}, false},
	}
	for _, c := range testCases {
		if c.expect {
			suite.True(IsTransientError(c.err), "%v should be transient", c.err)
		} else {
			suite.False(IsTransientError(c.err), "%v should not be transient", c.err)
		}
	}
}

func (suite *UnitTestSuite) TestGetErrorCode() {
	suite.Assert().Equal(0, GetErrorCode(nil))
	suite.Assert().Equal(0, GetErrorCode(errors.New("plain")))
	suite.Assert().Equal(26, GetErrorCode(mongo.CommandError{Code: 26}))
	suite.Assert().Equal(
		Interrupted,
		GetErrorCode(errors.Wrap(codedErr{Interrupted}, "killed")),
	)
	suite.Assert().Equal(
		11000,
		GetErrorCode(mongo.WriteException{
			WriteErrors: []mongo.WriteError{{Code: 11000}},
		}),
	)
}
