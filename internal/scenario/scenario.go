// Package scenario holds the harness's built-in test scenarios. Each one
// provisions a topology, drives server operations through the step
// controller and background runner, and checks the outcome with the
// verifier.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/10gen/mongo-harness/internal/bgop"
	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/stepsync"
	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/10gen/mongo-harness/internal/verify"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const DefaultJoinTimeout = 5 * time.Minute

// ErrUnknownScenario means no scenario has the requested name.
var ErrUnknownScenario = errors.New("unknown scenario")

// Env is what scenarios run against.
type Env struct {
	Manager  *topology.Manager
	Runner   *bgop.Runner
	Verifier *verify.Verifier
	Logger   *logger.Logger

	Steps stepsync.Config

	// JoinTimeout bounds each wait for a background operation.
	JoinTimeout time.Duration

	// ConditionTimeout bounds each verifier wait; zero uses the
	// verifier's default.
	ConditionTimeout time.Duration
}

func (e Env) joinTimeout() time.Duration {
	if e.JoinTimeout > 0 {
		return e.JoinTimeout
	}

	return DefaultJoinTimeout
}

// Scenario is one runnable test.
type Scenario struct {
	Name        string
	Description string
	Topology    topology.Spec
	Run         func(ctx context.Context, run *Run) error
}

// Run is one execution of a scenario.
type Run struct {
	Env
	Topology *topology.Topology
	Logger   *logger.Logger

	report *Report
}

// Record notes an observation in the run's report.
func (r *Run) Record(name string, observed any) {
	r.report.Checks = append(r.report.Checks, Check{Name: name, Observed: fmt.Sprint(observed)})

	r.Logger.Info().
		Str("check", name).
		Any("observed", observed).
		Msg("Check passed.")
}

// Expect fails the run unless got equals want.
func Expect[T comparable](r *Run, name string, want, got T) error {
	if want != got {
		return errors.Errorf("%s: expected %v, got %v", name, want, got)
	}

	r.Record(name, got)

	return nil
}

// Check is one observation a scenario made.
type Check struct {
	Name     string
	Observed string
}

// Report is a scenario's outcome.
type Report struct {
	Scenario   string
	TopologyID string
	Passed     bool
	Err        error
	Started    time.Time
	Elapsed    time.Duration
	Checks     []Check
}

var registry = map[string]Scenario{}

func register(sc Scenario) {
	if _, exists := registry[sc.Name]; exists {
		panic("duplicate scenario: " + sc.Name)
	}

	registry[sc.Name] = sc
}

// All returns the built-in scenarios ordered by name.
func All() []Scenario {
	all := lo.Values(registry)
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	return all
}

// Get returns the named scenario.
func Get(name string) (Scenario, error) {
	sc, ok := registry[name]
	if !ok {
		return Scenario{}, errors.Wrapf(
			ErrUnknownScenario,
			"%#q (known: %v)",
			name,
			lo.Map(All(), func(s Scenario, _ int) string { return s.Name }),
		)
	}

	return sc, nil
}

// Execute provisions the scenario's topology, runs it and stops the
// topology again, whatever the outcome.
func Execute(ctx context.Context, env Env, sc Scenario) Report {
	report := Report{
		Scenario: sc.Name,
		Started:  time.Now(),
	}

	lg := logger.NewSubLogger(env.Logger, "scenario", sc.Name)
	lg.Info().Str("description", sc.Description).Msg("Starting scenario.")

	err := execute(ctx, env, sc, lg, &report)

	report.Elapsed = time.Since(report.Started)
	report.Err = err
	report.Passed = err == nil

	if err != nil {
		lg.Error().Err(err).Stringer("elapsed", report.Elapsed).Msg("Scenario failed.")
	} else {
		lg.Info().Stringer("elapsed", report.Elapsed).Msg("Scenario passed.")
	}

	return report
}

func execute(ctx context.Context, env Env, sc Scenario, lg *logger.Logger, report *Report) error {
	t, err := env.Manager.Start(ctx, sc.Topology)
	if err != nil {
		return err
	}

	report.TopologyID = t.ID

	defer func() {
		if stopErr := env.Manager.Stop(context.WithoutCancel(ctx), t); stopErr != nil {
			lg.Warn().Err(stopErr).Msg("Failed to stop scenario topology.")
		}
	}()

	run := &Run{
		Env:      env,
		Topology: t,
		Logger:   lg,
		report:   report,
	}

	return sc.Run(ctx, run)
}

// ExecuteAll runs the named scenarios one after another.
func ExecuteAll(ctx context.Context, env Env, names []string) ([]Report, error) {
	scenarios := make([]Scenario, 0, len(names))
	for _, name := range names {
		sc, err := Get(name)
		if err != nil {
			return nil, err
		}

		scenarios = append(scenarios, sc)
	}

	reports := make([]Report, 0, len(scenarios))
	for _, sc := range scenarios {
		if ctx.Err() != nil {
			break
		}

		reports = append(reports, Execute(ctx, env, sc))
	}

	return reports, nil
}
