package topology

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/internal/poll"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/testutil/fakemongo"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

func (s *UnitTestSuite) awaitRole(n *Node, roles ...Role) {
	s.Require().Eventually(
		func() bool {
			role, err := n.refreshRole(context.Background())
			return err == nil && lo.Contains(roles, role)
		},
		5*time.Second,
		10*time.Millisecond,
		"%s should become one of %v",
		n,
		roles,
	)
}

func (s *UnitTestSuite) TestStartStandalone() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t, err := m.Start(ctx, Spec{Name: "solo", Kind: KindStandalone})
	s.Require().NoError(err)

	s.Require().Len(t.Nodes(), 1)
	n := t.Entrypoint()
	s.Assert().Equal(RoleStandalone, n.Role())
	s.Assert().Equal(StateRunning, n.State())
	s.Assert().NotEmpty(n.Endpoint())
	s.Assert().Empty(t.Groups())

	got, ok := m.Get(t.ID)
	s.Assert().True(ok)
	s.Assert().Same(t, got)

	s.Require().NoError(m.Stop(ctx, t))
	s.Assert().True(t.Stopped())
	s.Assert().Equal(StateStopped, n.State())
	s.Assert().Empty(m.Topologies())

	s.Assert().NoError(m.Stop(ctx, t), "stopping twice is fine")

	err = remote.Ping(ctx, srv.Conn(n.Endpoint()))
	s.Assert().Error(err, "node should be gone")
}

func (s *UnitTestSuite) TestStartReplicaSet() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t := s.start(m, Spec{Name: "rs0", Kind: KindReplSet, Nodes: 3})

	s.Require().Len(t.Groups(), 1)
	g := t.Groups()[0]
	s.Assert().Equal(GroupReplSet, g.Kind)
	s.Require().Len(g.Members(), 3)

	primary, err := t.Primary(ctx, g)
	s.Require().NoError(err)
	s.Assert().Equal("rs0-n0", primary.Name())

	roles := lo.Map(g.Members(), func(n *Node, _ int) Role { return n.Role() })
	s.Assert().Equal([]Role{RolePrimary, RoleSecondary, RoleSecondary}, roles)

	cfg, err := m.GetConfig(ctx, t, g)
	s.Require().NoError(err)
	s.Assert().Equal("rs0", cfg.ID)
	s.Assert().Len(cfg.Members, 3)
}

func (s *UnitTestSuite) TestStartReplicaSetAppliesOptions() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t := s.start(m, Spec{
		Name:  "rs1",
		Kind:  KindReplSet,
		Nodes: 3,
		Overrides: map[string]NodeOptions{
			"rs1-n0": {Priority: lo.ToPtr(0.0)},
			"rs1-n2": {Arbiter: true},
		},
	})

	g := t.Groups()[0]
	primary, err := t.Primary(ctx, g)
	s.Require().NoError(err)
	s.Assert().Equal("rs1-n1", primary.Name(), "priority-0 member cannot be primary")

	arbiter, err := t.Node("rs1-n2")
	s.Require().NoError(err)
	s.awaitRole(arbiter, RoleArbiter)
}

func (s *UnitTestSuite) TestStartSharded() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t := s.start(m, Spec{Name: "sc", Kind: KindSharded, Shards: 2, Nodes: 2})

	s.Require().Len(t.Routers(), 1)
	s.Assert().Equal(RoleRouter, t.Entrypoint().Role())
	s.Assert().Len(t.Shards(), 2)
	s.Assert().Len(t.Nodes(), 1+2*2+1, "config server, two 2-node shards and a router")

	for _, g := range t.Shards() {
		_, err := t.Primary(ctx, g)
		s.Assert().NoError(err, "shard %#q should have a primary", g.Name)
	}

	// The shards are known to the router, so it can shard a collection.
	router := t.Entrypoint().Conn()
	_, err := router.RunCommand(ctx, "admin", bson.D{{"enableSharding", "test"}})
	s.Require().NoError(err)
	_, err = router.RunCommand(ctx, "admin", bson.D{{"shardCollection", "test.coll"}, {"key", bson.D{{"_id", 1}}}})
	s.Require().NoError(err)

	s.Assert().Equal(len(t.Shards()), srv.CommandCount(t.Entrypoint().Endpoint(), "addShard"))
}

func (s *UnitTestSuite) TestStartFailureStopsLaunchedNodes() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := NewManager(failingLauncher{Launcher: srv, fail: "bad-n2"}, srv, s.logger, fastConfig())

	_, err := m.Start(ctx, Spec{Name: "bad", Kind: KindReplSet, Nodes: 3})
	s.Require().Error(err)

	var provErr *ProvisioningError
	s.Require().ErrorAs(err, &provErr)
	s.Assert().Equal("bad-n2", provErr.Node)
	s.Assert().Equal("launch", provErr.Phase)
	s.Assert().ErrorContains(provErr.LastErr, "no binary")

	s.Assert().Empty(m.Topologies())
	s.Assert().Zero(srv.RunningNodes(), "launched nodes should be stopped")
}

func (s *UnitTestSuite) TestStartReadinessTimeout() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := NewManager(deadOnArrivalLauncher{srv: srv, dead: "doa"}, srv, s.logger, fastConfig())

	start := time.Now()
	_, err := m.Start(ctx, Spec{Name: "doa", Kind: KindStandalone, ReadyTimeout: 200 * time.Millisecond})
	s.Require().Error(err)
	s.Assert().Less(time.Since(start), 3*time.Second)

	var provErr *ProvisioningError
	s.Require().ErrorAs(err, &provErr)
	s.Assert().Equal("readiness", provErr.Phase)
	s.Assert().NotEmpty(provErr.Endpoint)
	s.Assert().GreaterOrEqual(provErr.Elapsed, 200*time.Millisecond)

	var timeoutErr *poll.TimeoutError
	s.Require().ErrorAs(err, &timeoutErr)
	s.Assert().Error(timeoutErr.LastErr, "the last ping error should be kept")
	s.Assert().True(util.IsTransientError(timeoutErr.LastErr))
}

func (s *UnitTestSuite) TestStopAndRestartNode() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t := s.start(m, Spec{Name: "rs2", Kind: KindReplSet, Nodes: 3})
	g := t.Groups()[0]

	primary, err := t.Primary(ctx, g)
	s.Require().NoError(err)
	endpoint := primary.Endpoint()
	dbPath := primary.DBPath()

	s.Require().NoError(m.StopNode(ctx, t, primary))
	s.Assert().Equal(StateStopped, primary.State())
	s.Assert().Equal(RoleUnknown, primary.Role())
	s.Assert().NoError(m.StopNode(ctx, t, primary), "stopping a stopped node is fine")

	next, err := t.Node("rs2-n1")
	s.Require().NoError(err)
	s.awaitRole(next, RolePrimary)

	s.Require().NoError(m.RestartNode(ctx, t, primary))
	s.Assert().Equal(StateRunning, primary.State())
	s.Assert().Equal(endpoint, primary.Endpoint(), "restart keeps the port")
	s.Assert().Equal(dbPath, primary.DBPath(), "restart keeps the data")
	s.Assert().Equal(RoleSecondary, primary.Role())

	err = m.RestartNode(ctx, t, primary)
	s.Assert().ErrorContains(err, "running")
}

func (s *UnitTestSuite) TestPrimaryDetectsSplitBrain() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	a := s.start(m, Spec{Name: "left", Kind: KindStandalone})
	b := s.start(m, Spec{Name: "right", Kind: KindStandalone})

	// Two standalones both claim to be writable, which is what a split
	// replica set looks like from outside.
	g := newGroup("split", GroupReplSet)
	g.addMember(a.Entrypoint())
	g.addMember(b.Entrypoint())

	for _, n := range g.Members() {
		n.group = g
	}
	s.T().Cleanup(func() {
		for _, n := range g.Members() {
			n.group = nil
		}
	})

	_, err := a.Primary(ctx, g)
	s.Assert().ErrorIs(err, ErrMultiplePrimaries)
}

func (s *UnitTestSuite) TestCloseReportsLeaks() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t, err := m.Start(ctx, Spec{Name: "leaky", Kind: KindStandalone})
	s.Require().NoError(err)

	err = m.Close(ctx)
	s.Assert().ErrorIs(err, ErrLeakedTopology)
	s.Assert().ErrorContains(err, "leaky")
	s.Assert().True(t.Stopped())

	s.Assert().NoError(m.Close(ctx), "nothing left to leak")

	_, err = t.Primary(ctx, newGroup("none", GroupReplSet))
	s.Assert().ErrorIs(err, ErrNoPrimary)

	err = m.RestartNode(ctx, t, t.Entrypoint())
	s.Assert().True(errors.Is(err, ErrStopped))
}
