package scenario

import (
	"context"

	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

func (s *UnitTestSuite) TestBuiltinScenariosPass() {
	for _, sc := range All() {
		sc := sc
		s.Run(sc.Name, func() {
			env, srv := s.fakeEnv()

			report := Execute(context.Background(), env, sc)
			s.Require().NoError(report.Err)
			s.Assert().True(report.Passed)
			s.Assert().NotEmpty(report.TopologyID)
			s.Assert().NotEmpty(report.Checks, "scenario should record what it checked")
			s.Assert().Positive(report.Elapsed)

			s.Assert().Empty(env.Manager.Topologies(), "topology should be stopped")
			s.Assert().Zero(srv.RunningNodes())
			s.Assert().Empty(env.Runner.Running(), "no operation should be left running")
		})
	}
}

func (s *UnitTestSuite) TestRegistry() {
	names := lo.Map(All(), func(sc Scenario, _ int) string { return sc.Name })
	s.Assert().Equal(
		[]string{
			"dbcheck-collection-uuid",
			"dbcheck-write-concern",
			"fsync-lock",
			"movechunk-cancel",
			"movechunk-steps",
		},
		names,
	)

	for _, sc := range All() {
		s.Assert().NoError(sc.Topology.Validate(), "%s topology", sc.Name)
	}

	_, err := Get("no-such-thing")
	s.Assert().ErrorIs(err, ErrUnknownScenario)
	s.Assert().ErrorContains(err, "fsync-lock")

	_, err = ExecuteAll(context.Background(), Env{}, []string{"fsync-lock", "nope"})
	s.Assert().ErrorIs(err, ErrUnknownScenario, "names are checked before anything runs")
}

func (s *UnitTestSuite) TestFailingScenarioStopsTopology() {
	env, srv := s.fakeEnv()

	sc := Scenario{
		Name:     "broken",
		Topology: topology.Spec{Name: "broken", Kind: topology.KindReplSet, Nodes: 1},
		Run: func(ctx context.Context, run *Run) error {
			run.Record("ran", true)

			if err := Expect(run, "answer", 42, 41); err != nil {
				return err
			}

			return errors.New("unreachable")
		},
	}

	report := Execute(context.Background(), env, sc)
	s.Assert().False(report.Passed)
	s.Assert().ErrorContains(report.Err, "answer: expected 42, got 41")
	s.Assert().Equal([]Check{{Name: "ran", Observed: "true"}}, report.Checks)

	s.Assert().Empty(env.Manager.Topologies())
	s.Assert().Zero(srv.RunningNodes())
}

func (s *UnitTestSuite) TestProvisioningFailureIsReported() {
	env, _ := s.fakeEnv()

	sc := Scenario{
		Name:     "invalid",
		Topology: topology.Spec{Name: "bad name!", Kind: topology.KindReplSet},
		Run: func(context.Context, *Run) error {
			s.Fail("should not run")
			return nil
		},
	}

	report := Execute(context.Background(), env, sc)
	s.Assert().False(report.Passed)
	s.Assert().Error(report.Err)
	s.Assert().Empty(report.TopologyID)
}
