package topology

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	clone "github.com/huandu/go-clone/generic"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Kind is a topology's shape.
type Kind string

const (
	KindStandalone Kind = "standalone"
	KindReplSet    Kind = "replset"
	KindSharded    Kind = "sharded"
)

// NodeOptions are per-node launch and membership settings.
type NodeOptions struct {
	SetParameters map[string]string `yaml:"setParameters,omitempty"`
	ExtraArgs     []string          `yaml:"extraArgs,omitempty"`

	// Priority and Votes go into the node's replica set member config.
	// Unset means the server's default.
	Priority *float64 `yaml:"priority,omitempty" validate:"omitempty,gte=0,lte=1000"`
	Votes    *int     `yaml:"votes,omitempty" validate:"omitempty,oneof=0 1"`

	Arbiter bool `yaml:"arbiter,omitempty"`
}

// merge returns o with other's set fields layered on top. Neither input
// is modified.
func (o NodeOptions) merge(other NodeOptions) NodeOptions {
	merged := clone.Clone(o)

	if len(other.SetParameters) > 0 && merged.SetParameters == nil {
		merged.SetParameters = map[string]string{}
	}
	for k, v := range other.SetParameters {
		merged.SetParameters[k] = v
	}

	merged.ExtraArgs = append(merged.ExtraArgs, other.ExtraArgs...)

	if other.Priority != nil {
		merged.Priority = lo.ToPtr(*other.Priority)
	}

	if other.Votes != nil {
		merged.Votes = lo.ToPtr(*other.Votes)
	}

	merged.Arbiter = merged.Arbiter || other.Arbiter

	return merged
}

// Spec describes a topology to provision.
type Spec struct {
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`
	Kind Kind   `yaml:"kind" validate:"required,oneof=standalone replset sharded"`

	// Nodes is the replica set size, or each shard's size when sharded.
	Nodes int `yaml:"nodes" validate:"gte=0,lte=50"`

	Shards        int `yaml:"shards" validate:"gte=0,lte=20"`
	Routers       int `yaml:"routers" validate:"gte=0,lte=10"`
	ConfigServers int `yaml:"configServers" validate:"gte=0,lte=7"`

	// Defaults apply to every mongod; Overrides are keyed by node name,
	// e.g. "rs0-n1".
	Defaults  NodeOptions            `yaml:"defaults"`
	Overrides map[string]NodeOptions `yaml:"overrides" validate:"dive"`

	// ReadyTimeout overrides the manager's readiness timeout.
	ReadyTimeout time.Duration `yaml:"readyTimeout" validate:"gte=0"`
}

var validate = validator.New()

// withDefaults fills in the counts that Kind implies.
func (s Spec) withDefaults() Spec {
	switch s.Kind {
	case KindStandalone:
		if s.Nodes == 0 {
			s.Nodes = 1
		}
	case KindReplSet:
		if s.Nodes == 0 {
			s.Nodes = 3
		}
	case KindSharded:
		if s.Nodes == 0 {
			s.Nodes = 1
		}
		if s.Shards == 0 {
			s.Shards = 2
		}
		if s.Routers == 0 {
			s.Routers = 1
		}
		if s.ConfigServers == 0 {
			s.ConfigServers = 1
		}
	}

	return s
}

// Validate checks the spec's fields.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.Wrapf(err, "invalid topology spec %#q", s.Name)
	}

	if s.Kind == KindStandalone && s.Nodes > 1 {
		return errors.Errorf("standalone topology %#q cannot have %d nodes", s.Name, s.Nodes)
	}

	return nil
}

// OptionsFor returns the options of the named node.
func (s Spec) OptionsFor(nodeName string) NodeOptions {
	return s.Defaults.merge(s.Overrides[nodeName])
}

// ParseSpec reads a spec from YAML.
func ParseSpec(data []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, errors.Wrap(err, "failed to parse topology spec")
	}

	spec = spec.withDefaults()
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}

	return spec, nil
}

// LoadSpec reads a spec from a YAML file.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, errors.Wrapf(err, "failed to read topology spec %#q", path)
	}

	spec, err := ParseSpec(data)
	return spec, errors.Wrapf(err, "loading %#q", path)
}
