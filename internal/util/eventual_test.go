package util

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/mo"
)

func (s *UnitTestSuite) TestEventual() {
	eventual := NewEventual[int]()

	s.Assert().Equal(
		mo.None[int](),
		eventual.Get(),
		"Get() should return empty",
	)

	select {
	case <-eventual.Ready():
		s.Require().Fail("should not be ready")
	case <-time.NewTimer(100 * time.Millisecond).C:
	}

	eventual.Set(123)

	select {
	case <-eventual.Ready():
	case <-time.NewTimer(time.Second).C:
		s.Require().Fail("should be ready")
	}

	s.Assert().Equal(
		mo.Some(123),
		eventual.Get(),
		"Get() should return the value",
	)

	s.Assert().Panics(func() { eventual.Set(456) }, "second Set() should panic")
}

func (s *UnitTestSuite) TestSleep() {
	s.Assert().NoError(Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("scenario over")
	cancel(cause)

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	s.Assert().ErrorIs(err, context.Canceled)
	s.Assert().ErrorIs(err, cause)
	s.Assert().Less(time.Since(start), time.Minute)
}
