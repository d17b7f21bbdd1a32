package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/10gen/mongo-harness/contextplus"
	"github.com/10gen/mongo-harness/internal/bgop"
	"github.com/10gen/mongo-harness/internal/harness"
	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/scenario"
	"github.com/10gen/mongo-harness/internal/stepsync"
	"github.com/10gen/mongo-harness/internal/topology"
	"github.com/10gen/mongo-harness/internal/verify"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/urfave/cli"
	"github.com/urfave/cli/altsrc"
)

const (
	configFileFlag    = "configFile"
	logPathFlag       = "logPath"
	debugFlag         = "debug"
	serverPortFlag    = "serverPort"
	mongodPathFlag    = "mongodPath"
	mongosPathFlag    = "mongosPath"
	distroFlag        = "distro"
	cacheDirFlag      = "cacheDir"
	baseDirFlag       = "baseDir"
	scenarioFlag      = "scenario"
	listFlag          = "list"
	topologyFlag      = "topology"
	startupTimeout    = "startupTimeout"
	connectTimeout    = "connectTimeout"
	readyTimeout      = "readyTimeout"
	stopTimeout       = "stopTimeout"
	stepTimeout       = "stepTimeout"
	joinTimeout       = "joinTimeout"
	conditionTimeout  = "conditionTimeout"
	cancelTimeout     = "cancelTimeout"
	pollIntervalFlag  = "pollInterval"
	defaultServerPort = 27020
)

func main() {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := []cli.Flag{
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  configFileFlag,
			Usage: "path to an optional YAML config file",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  logPathFlag,
			Value: "stdout",
			Usage: "logging file `path`",
		}),
		altsrc.NewBoolFlag(cli.BoolFlag{
			Name:  debugFlag,
			Usage: "Turn on debug logging",
		}),
		altsrc.NewIntFlag(cli.IntFlag{
			Name:  serverPortFlag,
			Value: defaultServerPort,
			Usage: "`port` for the status web server; 0 disables it",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  mongodPathFlag,
			Usage: "`path` to the mongod binary",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  mongosPathFlag,
			Usage: "`path` to the mongos binary",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  distroFlag,
			Usage: "MongoDB download `name` to fetch when a binary path is not given",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  cacheDirFlag,
			Value: filepath.Join(os.TempDir(), "mongo-harness-cache"),
			Usage: "`directory` for downloaded binaries",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  baseDirFlag,
			Usage: "`directory` for node data; a temporary directory if empty",
		}),
		altsrc.NewStringSliceFlag(cli.StringSliceFlag{
			Name:  scenarioFlag,
			Usage: "`names` of the scenarios to run; all of them if none are given",
		}),
		altsrc.NewBoolFlag(cli.BoolFlag{
			Name:  listFlag,
			Usage: "List the scenarios and exit",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  topologyFlag,
			Usage: "`path` to a YAML topology to start and keep running until interrupted",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  startupTimeout,
			Value: time.Minute,
			Usage: "how long a process may take to report its port",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  connectTimeout,
			Value: 10 * time.Second,
			Usage: "how long to wait to connect to a node",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  readyTimeout,
			Value: topology.DefaultReadyTimeout,
			Usage: "how long a topology may take to become ready",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  stopTimeout,
			Value: topology.DefaultStopTimeout,
			Usage: "how long a node may take to shut down before it is killed",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  stepTimeout,
			Value: stepsync.DefaultStepTimeout,
			Usage: "how long to wait for an operation to reach a step",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  joinTimeout,
			Value: scenario.DefaultJoinTimeout,
			Usage: "how long to wait for a background operation to finish",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  conditionTimeout,
			Value: verify.DefaultTimeout,
			Usage: "how long to wait for an expected condition",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  cancelTimeout,
			Value: bgop.DefaultCancelTimeout,
			Usage: "how long to look for an operation to cancel",
		}),
		altsrc.NewDurationFlag(cli.DurationFlag{
			Name:  pollIntervalFlag,
			Value: topology.DefaultPollInterval,
			Usage: "interval between checks of the servers",
		}),
	}

	app := &cli.App{
		Name:  "mongo-harness",
		Usage: "run MongoDB cluster test scenarios",
		Flags: flags,
		Before: func(cCtx *cli.Context) error {
			confFile := cCtx.String(configFileFlag)

			if len(confFile) > 0 {
				readConfFunc := altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc(configFileFlag))
				return readConfFunc(cCtx)
			}

			return nil
		},
		Action: func(cCtx *cli.Context) error {
			if cCtx.Bool(listFlag) {
				listScenarios()
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			level := zerolog.InfoLevel
			if cCtx.Bool(debugFlag) {
				level = zerolog.DebugLevel
				zerolog.SetGlobalLevel(level)
			}

			lg, err := logger.NewFromPath(cCtx.String(logPathFlag), level)
			if err != nil {
				return err
			}

			h := harness.New(handleArgs(cCtx), lg)

			defer func() {
				if err := h.Close(context.WithoutCancel(ctx)); err != nil {
					lg.Error().Err(err).Msg("Failed to clean up.")
				}
			}()

			if path := cCtx.String(topologyFlag); path != "" {
				return serveTopology(ctx, h, lg, cCtx.Int(serverPortFlag), path)
			}

			return runScenarios(ctx, h, lg, cCtx.Int(serverPortFlag), expandCommaSeparators(cCtx.StringSlice(scenarioFlag)))
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Stack().Msg("Fatal Error")
	}
}

func handleArgs(cCtx *cli.Context) harness.Settings {
	pollInterval := cCtx.Duration(pollIntervalFlag)

	return harness.Settings{
		MongodPath:     cCtx.String(mongodPathFlag),
		MongosPath:     cCtx.String(mongosPathFlag),
		Distro:         cCtx.String(distroFlag),
		CacheDir:       cCtx.String(cacheDirFlag),
		BaseDir:        cCtx.String(baseDirFlag),
		StartupTimeout: cCtx.Duration(startupTimeout),
		ConnectTimeout: cCtx.Duration(connectTimeout),
		Topology: topology.Config{
			ReadyTimeout: cCtx.Duration(readyTimeout),
			StopTimeout:  cCtx.Duration(stopTimeout),
			PollInterval: pollInterval,
		},
		Runner: bgop.Config{
			CancelTimeout: cCtx.Duration(cancelTimeout),
		},
		Verifier: verify.Config{
			DefaultTimeout: cCtx.Duration(conditionTimeout),
			PollInterval:   pollInterval,
		},
		Steps: stepsync.Config{
			StepTimeout: cCtx.Duration(stepTimeout),
		},
		JoinTimeout: cCtx.Duration(joinTimeout),
	}
}

// runScenarios runs the scenarios while the status server, if enabled,
// reports on them.
func runScenarios(
	ctx context.Context,
	h *harness.Harness,
	lg *logger.Logger,
	port int,
	names []string,
) error {
	var reports []scenario.Report

	eg, egCtx := contextplus.ErrGroup(ctx)
	runCtx, finished := context.WithCancel(egCtx)

	if port != 0 {
		eg.Go(func() error {
			return harness.NewWebServer(port, h, lg).Run(runCtx)
		})
	}

	eg.Go(func() error {
		defer finished()

		var err error
		reports, err = h.RunScenarios(runCtx, names)
		return err
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	summary, allPassed := harness.Summarize(reports)
	fmt.Print(summary)

	if !allPassed {
		return errors.New("scenarios failed")
	}

	if ctx.Err() != nil {
		return errors.Wrap(context.Cause(ctx), "interrupted")
	}

	return nil
}

// serveTopology starts the topology in the given file and keeps it
// running until interrupted.
func serveTopology(
	ctx context.Context,
	h *harness.Harness,
	lg *logger.Logger,
	port int,
	path string,
) error {
	spec, err := topology.LoadSpec(path)
	if err != nil {
		return err
	}

	t, err := h.Manager().Start(ctx, spec)
	if err != nil {
		return err
	}

	entry := t.Entrypoint()
	lg.Info().
		Str("topology", t.ID).
		Str("endpoint", entry.Endpoint()).
		Msg("Topology is up. Interrupt to stop it.")

	if port != 0 {
		if err := harness.NewWebServer(port, h, lg).Run(ctx); err != nil {
			return err
		}
	} else {
		<-ctx.Done()
	}

	return h.Manager().Stop(context.WithoutCancel(ctx), t)
}

func listScenarios() {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Scenario", "Topology", "Description"})
	table.SetAutoWrapText(false)

	for _, sc := range scenario.All() {
		table.Append([]string{sc.Name, string(sc.Topology.Kind), sc.Description})
	}

	table.Render()
}

func expandCommaSeparators(in []string) []string {
	ret := []string{}
	for _, name := range in {
		for _, sub := range strings.Split(name, ",") {
			if sub = strings.Trim(sub, " \t"); sub != "" {
				ret = append(ret, sub)
			}
		}
	}
	return ret
}
