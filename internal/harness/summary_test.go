package harness

import (
	"time"

	"github.com/10gen/mongo-harness/internal/scenario"
	"github.com/pkg/errors"
)

func (s *UnitTestSuite) TestSummarize() {
	reports := []scenario.Report{
		{
			Scenario:   "fsync-lock",
			TopologyID: "abc",
			Passed:     true,
			Elapsed:    90 * time.Second,
			Checks: []scenario.Check{
				{Name: "inserted docs", Observed: "2"},
			},
		},
		{
			Scenario: "movechunk-cancel",
			Err:      errors.New("expected 11601, got 0"),
			Elapsed:  time.Second,
		},
	}

	summary, allPassed := Summarize(reports)
	s.Assert().False(allPassed)
	s.Assert().Contains(summary, "1 of 2 scenarios passed")
	s.Assert().Contains(summary, "1m 30.00s")
	s.Assert().Contains(summary, "FAILED")
	s.Assert().Contains(summary, "expected 11601, got 0")
	s.Assert().Contains(summary, "inserted docs")

	summary, allPassed = Summarize(reports[:1])
	s.Assert().True(allPassed)
	s.Assert().NotContains(summary, "Failures:")
}
