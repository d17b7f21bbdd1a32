// Package harness ties the topology manager, background runner, step
// controller settings and verifier together behind one set of settings,
// and serves their state over HTTP while scenarios run.
package harness

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/internal/bgop"
	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/process"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/scenario"
	"github.com/10gen/mongo-harness/internal/stepsync"
	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/10gen/mongo-harness/internal/verify"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// AppName is what the harness's connections report to the server.
const AppName = "mongo-harness"

// ErrUnknownOperation means no background operation has the given ID.
var ErrUnknownOperation = errors.New("unknown operation")

// Settings configures a Harness.
type Settings struct {
	MongodPath string
	MongosPath string
	Distro     string
	CacheDir   string
	BaseDir    string

	StartupTimeout time.Duration
	ConnectTimeout time.Duration

	Topology topology.Config
	Runner   bgop.Config
	Verifier verify.Config
	Steps    stepsync.Config

	JoinTimeout time.Duration
}

// Launcher returns the process launcher the settings describe.
func (s Settings) Launcher() *process.ExecLauncher {
	return &process.ExecLauncher{
		MongodPath:     s.MongodPath,
		MongosPath:     s.MongosPath,
		Distro:         s.Distro,
		CacheDir:       s.CacheDir,
		BaseDir:        s.BaseDir,
		StartupTimeout: s.StartupTimeout,
	}
}

// Dialer returns the driver dialer the settings describe.
func (s Settings) Dialer() remote.DriverDialer {
	return remote.DriverDialer{
		AppName:        AppName,
		ConnectTimeout: s.ConnectTimeout,
	}
}

// Harness owns one manager, runner and verifier.
type Harness struct {
	settings Settings
	logger   *logger.Logger
	manager  *topology.Manager
	runner   *bgop.Runner
	verifier *verify.Verifier
}

var _ StatusAPI = &Harness{}

// New builds a Harness that launches real binaries.
func New(settings Settings, logger *logger.Logger) *Harness {
	return NewWith(settings, logger, settings.Launcher(), settings.Dialer())
}

// NewWith builds a Harness with the given launcher and dialer.
func NewWith(
	settings Settings,
	logger *logger.Logger,
	launcher process.Launcher,
	dialer remote.Dialer,
) *Harness {
	return &Harness{
		settings: settings,
		logger:   logger,
		manager:  topology.NewManager(launcher, dialer, logger, settings.Topology),
		runner:   bgop.NewRunner(logger, settings.Runner),
		verifier: verify.New(logger, settings.Verifier),
	}
}

// Manager returns the harness's topology manager.
func (h *Harness) Manager() *topology.Manager {
	return h.manager
}

// Env returns the environment scenarios run against.
func (h *Harness) Env() scenario.Env {
	return scenario.Env{
		Manager:     h.manager,
		Runner:      h.runner,
		Verifier:    h.verifier,
		Logger:      h.logger,
		Steps:       h.settings.Steps,
		JoinTimeout: h.settings.JoinTimeout,
	}
}

// RunScenarios runs the named scenarios, or all of them if none are named.
func (h *Harness) RunScenarios(ctx context.Context, names []string) ([]scenario.Report, error) {
	if len(names) == 0 {
		names = lo.Map(scenario.All(), func(sc scenario.Scenario, _ int) string { return sc.Name })
	}

	return scenario.ExecuteAll(ctx, h.Env(), names)
}

// Close stops any topology still running. Background operations that
// have not finished are reported, not waited for.
func (h *Harness) Close(ctx context.Context) error {
	running := h.runner.Running()
	for _, op := range running {
		h.logger.Warn().
			Str("id", op.ID()).
			Str("kind", op.Kind()).
			Str("endpoint", op.Endpoint()).
			Msg("Background operation still running at shutdown.")
	}

	return h.manager.Close(ctx)
}

// Topologies implements StatusAPI.
func (h *Harness) Topologies() []TopologyStatus {
	return lo.Map(h.manager.Topologies(), func(t *topology.Topology, _ int) TopologyStatus {
		return topologyStatus(t)
	})
}

// Operations implements StatusAPI.
func (h *Harness) Operations() []OperationStatus {
	return lo.Map(h.runner.Handles(), func(op *bgop.Handle, _ int) OperationStatus {
		return operationStatus(op)
	})
}

// CancelOperation implements StatusAPI.
func (h *Harness) CancelOperation(ctx context.Context, id string) (OperationStatus, error) {
	op, ok := h.runner.Get(id)
	if !ok {
		return OperationStatus{}, errors.Wrapf(ErrUnknownOperation, "%#q", id)
	}

	if err := h.runner.Cancel(ctx, op); err != nil {
		return operationStatus(op), err
	}

	return operationStatus(op), nil
}
