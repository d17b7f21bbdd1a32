package topology

import (
	"os"
	"path/filepath"
	"time"
)

func (s *UnitTestSuite) TestParseSpec() {
	spec, err := ParseSpec([]byte(`
name: rs0
kind: replset
readyTimeout: 90s
defaults:
  setParameters:
    dbCheckHealthLogEveryNBatches: "1"
overrides:
  rs0-n2:
    priority: 0
    votes: 0
`))
	s.Require().NoError(err)

	s.Assert().Equal(KindReplSet, spec.Kind)
	s.Assert().Equal(3, spec.Nodes, "replica sets default to three nodes")
	s.Assert().Equal(90*time.Second, spec.ReadyTimeout)

	opts := spec.OptionsFor("rs0-n2")
	s.Require().NotNil(opts.Priority)
	s.Assert().Zero(*opts.Priority)
	s.Require().NotNil(opts.Votes)
	s.Assert().Zero(*opts.Votes)
	s.Assert().Equal("1", opts.SetParameters["dbCheckHealthLogEveryNBatches"])

	plain := spec.OptionsFor("rs0-n0")
	s.Assert().Nil(plain.Priority)
	s.Assert().Equal("1", plain.SetParameters["dbCheckHealthLogEveryNBatches"])
}

func (s *UnitTestSuite) TestParseSpecDefaultsSharded() {
	spec, err := ParseSpec([]byte("name: sc\nkind: sharded\n"))
	s.Require().NoError(err)

	s.Assert().Equal(1, spec.Nodes)
	s.Assert().Equal(2, spec.Shards)
	s.Assert().Equal(1, spec.Routers)
	s.Assert().Equal(1, spec.ConfigServers)
}

func (s *UnitTestSuite) TestParseSpecInvalid() {
	for _, doc := range []string{
		"name: x\nkind: galaxy\n",
		"kind: replset\n",
		"name: x\nkind: standalone\nnodes: 2\n",
		"name: x\nkind: replset\noverrides:\n  x-n0:\n    votes: 3\n",
		"name: [\n",
	} {
		_, err := ParseSpec([]byte(doc))
		s.Assert().Error(err, "%q should be rejected", doc)
	}
}

func (s *UnitTestSuite) TestLoadSpec() {
	path := filepath.Join(s.T().TempDir(), "topology.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("name: solo\nkind: standalone\n"), 0o600))

	spec, err := LoadSpec(path)
	s.Require().NoError(err)
	s.Assert().Equal("solo", spec.Name)
	s.Assert().Equal(1, spec.Nodes)

	_, err = LoadSpec(filepath.Join(s.T().TempDir(), "missing.yaml"))
	s.Assert().Error(err)
}

func (s *UnitTestSuite) TestOptionsMergeLeavesDefaultsAlone() {
	spec := Spec{
		Name: "rs0",
		Kind: KindReplSet,
		Defaults: NodeOptions{
			SetParameters: map[string]string{"a": "1"},
		},
		Overrides: map[string]NodeOptions{
			"rs0-n1": {SetParameters: map[string]string{"b": "2"}, Arbiter: true},
		},
	}

	merged := spec.OptionsFor("rs0-n1")
	s.Assert().Equal(map[string]string{"a": "1", "b": "2"}, merged.SetParameters)
	s.Assert().True(merged.Arbiter)

	s.Assert().Equal(map[string]string{"a": "1"}, spec.Defaults.SetParameters)
	s.Assert().False(spec.OptionsFor("rs0-n0").Arbiter)
}
