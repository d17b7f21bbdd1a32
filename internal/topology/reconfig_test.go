package topology

import (
	"context"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/testutil/fakemongo"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

func (s *UnitTestSuite) TestReconfigureAddAndRemove() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t := s.start(m, Spec{Name: "grow", Kind: KindReplSet, Nodes: 2})
	g := t.Groups()[0]

	primary, err := t.Primary(ctx, g)
	s.Require().NoError(err)
	_, err = primary.Conn().RunCommand(ctx, "test", bson.D{
		{"insert", "coll"},
		{"documents", bson.A{bson.D{{"_id", 1}}}},
	})
	s.Require().NoError(err)

	cfg, err := m.Reconfigure(ctx, t, g, &AddNode{Options: NodeOptions{Priority: lo.ToPtr(0.0)}})
	s.Require().NoError(err)
	s.Assert().Equal(2, cfg.Version)
	s.Require().Len(cfg.Members, 3)
	s.Assert().Equal(2, cfg.Members[2].ID)
	s.Assert().Zero(cfg.Members[2].Priority)

	s.Require().Len(g.Members(), 3)
	added := g.Members()[2]
	s.Assert().Equal("grow-n2", added.Name())
	s.awaitRole(added, RoleSecondary)

	count, err := added.Conn().CountDocuments(ctx, "test", "coll", bson.D{})
	s.Require().NoError(err)
	s.Assert().EqualValues(1, count, "new member should have synced")

	cfg, err = m.Reconfigure(ctx, t, g, RemoveNode{Node: added})
	s.Require().NoError(err)
	s.Assert().Equal(3, cfg.Version)
	s.Assert().Len(cfg.Members, 2)
	s.Assert().Len(g.Members(), 2)
	s.Assert().NotContains(t.Nodes(), added)
	s.Assert().Equal(StateStopped, added.State())
}

func (s *UnitTestSuite) TestReconfigurePriorityMovesPrimary() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t := s.start(m, Spec{Name: "shift", Kind: KindReplSet, Nodes: 3})
	g := t.Groups()[0]

	primary, err := t.Primary(ctx, g)
	s.Require().NoError(err)

	_, err = m.Reconfigure(
		ctx,
		t,
		g,
		SetPriority{Node: primary, Priority: 0},
		SetVotes{Node: primary, Votes: 1},
	)
	s.Require().NoError(err)

	s.awaitRole(primary, RoleSecondary)
	s.awaitRole(g.Members()[1], RolePrimary)
}

func (s *UnitTestSuite) TestReconfigureRejected() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t := s.start(m, Spec{Name: "strict", Kind: KindReplSet, Nodes: 3})
	g := t.Groups()[0]
	before := len(t.Nodes())
	running := srv.RunningNodes()

	// Two voting members at once is more than one voting change.
	_, err := m.Reconfigure(ctx, t, g, &AddNode{}, &AddNode{})
	s.Require().Error(err)

	var reconfigErr *ReconfigurationError
	s.Require().ErrorAs(err, &reconfigErr)
	s.Assert().Equal(util.NewReplicaSetConfigError, reconfigErr.Code())
	s.Assert().Equal("strict", reconfigErr.Group)
	s.Assert().Len(reconfigErr.Changes, 2)
	s.Assert().True(remote.HasCode(err, util.NewReplicaSetConfigError))

	s.Assert().Len(t.Nodes(), before, "membership should be unchanged")
	s.Assert().Len(g.Members(), 3)
	s.Assert().Equal(running, srv.RunningNodes(), "nodes launched for the reconfig should be stopped")

	cfg, err := m.GetConfig(ctx, t, g)
	s.Require().NoError(err)
	s.Assert().Equal(1, cfg.Version)

	// Every member unelectable.
	_, err = m.Reconfigure(
		ctx,
		t,
		g,
		lo.Map(g.Members(), func(n *Node, _ int) Change {
			return SetPriority{Node: n, Priority: 0}
		})...,
	)
	s.Require().ErrorAs(err, &reconfigErr)
	s.Assert().Equal(util.InvalidReplicaSetConfig, reconfigErr.Code())

	_, err = m.Reconfigure(ctx, t, g)
	s.Assert().ErrorContains(err, "at least one change")
}

func (s *UnitTestSuite) TestReconfigureUnknownMember() {
	ctx := context.Background()
	srv := fakemongo.New()
	m := s.newManager(srv)

	t := s.start(m, Spec{Name: "one", Kind: KindReplSet, Nodes: 1})
	other := s.start(m, Spec{Name: "two", Kind: KindReplSet, Nodes: 1})

	_, err := m.Reconfigure(ctx, t, t.Groups()[0], RemoveNode{Node: other.Entrypoint()})
	s.Assert().ErrorContains(err, "not in replica set")

	_, err = m.Reconfigure(ctx, t, other.Groups()[0], SetVotes{Node: t.Entrypoint(), Votes: 0})
	s.Assert().ErrorContains(err, "not part of topology")
}
