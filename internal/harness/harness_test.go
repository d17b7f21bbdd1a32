package harness

import (
	"context"

	"github.com/10gen/mongo-harness/internal/scenario"
)

func (s *UnitTestSuite) TestSettingsBuildLauncherAndDialer() {
	settings := Settings{
		MongodPath: "/opt/mongo/bin/mongod",
		Distro:     "mongodb-linux-x86_64-ubuntu2204-7.0.14",
		CacheDir:   "/tmp/cache",
		BaseDir:    "/tmp/harness",
	}

	launcher := settings.Launcher()
	s.Assert().Equal("/opt/mongo/bin/mongod", launcher.MongodPath)
	s.Assert().Empty(launcher.MongosPath)
	s.Assert().Equal(settings.Distro, launcher.Distro)
	s.Assert().Equal("/tmp/harness", launcher.BaseDir)

	s.Assert().Equal(AppName, settings.Dialer().AppName)
}

func (s *UnitTestSuite) TestRunScenarios() {
	ctx := context.Background()
	h, srv := s.fakeHarness()

	reports, err := h.RunScenarios(ctx, []string{"fsync-lock"})
	s.Require().NoError(err)
	s.Require().Len(reports, 1)
	s.Assert().True(reports[0].Passed, "%v", reports[0].Err)

	s.Assert().Empty(h.Topologies())
	s.Assert().Len(h.Operations(), 1, "the blocked insert")
	s.Assert().Zero(srv.RunningNodes())
	s.Assert().NoError(h.Close(ctx))
}

func (s *UnitTestSuite) TestRunScenariosDefaultsToAll() {
	ctx := context.Background()
	h, _ := s.fakeHarness()

	reports, err := h.RunScenarios(ctx, nil)
	s.Require().NoError(err)
	s.Assert().Len(reports, len(scenario.All()))

	_, err = h.RunScenarios(ctx, []string{"nope"})
	s.Assert().ErrorIs(err, scenario.ErrUnknownScenario)
}
