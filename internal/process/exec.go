package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/poll"
	"github.com/pkg/errors"
)

// MongoDB 5.0+ writes its logs in line-delimited JSON;
// older versions write free text.
var (
	portRegexpJSON = regexp.MustCompile(`"port":([1-9][0-9]*)`)
	portRegexp     = regexp.MustCompile(`port\s([1-9][0-9]*)`)
)

// ExecLauncher runs real mongod/mongos binaries.
type ExecLauncher struct {
	MongodPath string
	MongosPath string

	// Distro, if set and a binary path is empty, is a MongoDB download
	// name (e.g. mongodb-linux-x86_64-ubuntu2204-7.0.14) whose binaries
	// are fetched into CacheDir.
	Distro   string
	CacheDir string

	// BaseDir holds the dbpaths the launcher creates.
	BaseDir string

	// StartupTimeout bounds the wait for the process to report its port.
	StartupTimeout time.Duration
}

var _ Launcher = &ExecLauncher{}

func (l *ExecLauncher) binaryPath(b Binary) (string, error) {
	explicit := l.MongodPath
	if b == Mongos {
		explicit = l.MongosPath
	}

	if explicit != "" {
		return explicit, nil
	}

	if l.Distro != "" {
		return fetchBinary(l.CacheDir, l.Distro, b)
	}

	path, err := exec.LookPath(string(b))
	if err != nil {
		return "", errors.Wrapf(err, "no path given for %s and none found in $PATH", b)
	}

	return path, nil
}

// Launch starts the process. It binds to “port 0” unless the spec says
// otherwise, which causes the OS to pick an arbitrary free port, and then
// reads the chosen port from the server's log.
func (l *ExecLauncher) Launch(ctx context.Context, logger *logger.Logger, spec Spec) (Process, error) {
	binPath, err := l.binaryPath(spec.Binary)
	if err != nil {
		return nil, err
	}

	dbPath := spec.DBPath
	if dbPath == "" {
		baseDir := l.BaseDir
		if baseDir == "" {
			baseDir = filepath.Join(os.TempDir(), "mongo-harness")
		}

		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create %#q", baseDir)
		}

		dbPath, err = os.MkdirTemp(baseDir, spec.Name+"-*")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create dbpath for %s", spec.Name)
		}
	}

	logPath := filepath.Join(dbPath, string(spec.Binary)+".log")

	// A restarted process appends to its old log, which still has the old
	// port in it.
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to remove stale log %#q", logPath)
	}

	args := spec.Args()
	if spec.Binary != Mongos {
		args = append(args, "--dbpath", dbPath)
	}
	args = append(args, "--logpath", logPath)

	logger.Info().
		Str("process", spec.Name).
		Str("binary", binPath).
		Strs("args", args).
		Msg("Starting server process.")

	cmd := exec.Command(binPath, args...)

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", spec.Name)
	}

	proc := &execProcess{
		name:   spec.Name,
		cmd:    cmd,
		dbPath: dbPath,
		exited: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		proc.waitErr = err
		close(proc.exited)

		event := logger.Info()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("process", spec.Name).Int("pid", cmd.Process.Pid).Msg("Server process ended.")
	}()

	port, err := poll.Await(
		ctx,
		logger,
		poll.New(l.startupTimeout()).
			WithComponent("process").
			WithDescription("%s to report its listening port in %s", spec.Name, logPath),
		func(context.Context) (int, bool, error) {
			select {
			case <-proc.exited:
				return 0, false, fmt.Errorf(
					"process %d ended without storing its listening port in %s: %v",
					cmd.Process.Pid,
					logPath,
					proc.waitErr,
				)
			default:
			}

			content, err := os.ReadFile(logPath)
			if os.IsNotExist(err) {
				// The log file isn’t created (yet?); loop again.
				return 0, false, nil
			} else if err != nil {
				return 0, false, errors.Wrapf(err, "unexpected error while reading %s", logPath)
			}

			port, found := parsePort(content)
			return port, found, nil
		},
	)
	if err != nil {
		_ = proc.Stop(context.Background(), 5*time.Second)
		return nil, err
	}

	proc.port = port

	return proc, nil
}

func (l *ExecLauncher) startupTimeout() time.Duration {
	if l.StartupTimeout > 0 {
		return l.StartupTimeout
	}

	return 5 * time.Minute
}

func parsePort(logContent []byte) (int, bool) {
	match := portRegexpJSON.FindSubmatch(logContent)
	if match == nil {
		match = portRegexp.FindSubmatch(logContent)
	}

	if match == nil {
		return 0, false
	}

	port, err := strconv.ParseUint(string(match[1]), 10, 16)
	if err != nil {
		return 0, false
	}

	return int(port), true
}

type execProcess struct {
	name    string
	cmd     *exec.Cmd
	port    int
	dbPath  string
	exited  chan struct{}
	waitErr error
}

func (p *execProcess) Name() string            { return p.name }
func (p *execProcess) Port() int               { return p.port }
func (p *execProcess) DBPath() string          { return p.dbPath }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Endpoint() string {
	return "localhost:" + strconv.Itoa(p.port)
}

func (p *execProcess) Stop(ctx context.Context, timeout time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-p.exited:
			return nil
		default:
			return errors.Wrapf(err, "failed to signal %s (pid %d)", p.name, p.cmd.Process.Pid)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := p.cmd.Process.Kill(); err != nil {
		select {
		case <-p.exited:
			return nil
		default:
			return errors.Wrapf(err, "failed to kill %s (pid %d)", p.name, p.cmd.Process.Pid)
		}
	}

	<-p.exited

	return nil
}

func (p *execProcess) Cleanup() error {
	return os.RemoveAll(p.dbPath)
}
