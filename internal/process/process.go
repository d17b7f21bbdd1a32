// Package process starts and stops server processes.
package process

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/samber/lo"
)

// Binary is a server executable.
type Binary string

const (
	Mongod Binary = "mongod"
	Mongos Binary = "mongos"
)

// ClusterRole is a mongod's sharding role.
type ClusterRole string

const (
	NoClusterRole ClusterRole = ""
	ShardServer   ClusterRole = "shardsvr"
	ConfigServer  ClusterRole = "configsvr"
)

// Spec describes one process to launch.
type Spec struct {
	// Name identifies the process in logs, e.g. "rs0-n1".
	Name   string
	Binary Binary

	// Port 0 lets the server pick a free port. Restarts pass the port the
	// process had before.
	Port int

	// DBPath is created by the launcher if empty. Restarts pass the
	// previous DBPath to keep the node's data.
	DBPath string

	ReplSet     string
	ClusterRole ClusterRole

	// ConfigDB is mongos's config server connection string.
	ConfigDB string

	SetParameters map[string]string
	ExtraArgs     []string
}

// Args returns the process's command-line arguments, minus the dbpath and
// logpath that the launcher decides.
func (s Spec) Args() []string {
	args := []string{"--port", strconv.Itoa(s.Port), "--bind_ip", "localhost"}

	switch s.Binary {
	case Mongos:
		if s.ConfigDB != "" {
			args = append(args, "--configdb", s.ConfigDB)
		}
	default:
		if s.ReplSet != "" {
			args = append(args, "--replSet", s.ReplSet)
		}
		if s.ClusterRole != NoClusterRole {
			args = append(args, "--"+string(s.ClusterRole))
		}
	}

	keys := lo.Keys(s.SetParameters)
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setParameter", fmt.Sprintf("%s=%s", k, s.SetParameters[k]))
	}

	return append(args, s.ExtraArgs...)
}

// Process is a launched server process.
type Process interface {
	Name() string

	// Endpoint is the host:port that clients dial.
	Endpoint() string
	Port() int
	DBPath() string

	// Stop asks the process to shut down (SIGTERM) and kills it (SIGKILL)
	// if it hasn't exited after timeout. Stopping a stopped process does
	// nothing.
	Stop(ctx context.Context, timeout time.Duration) error

	// Exited closes when the process ends.
	Exited() <-chan struct{}

	// Cleanup removes whatever the launcher created for the process.
	Cleanup() error
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, logger *logger.Logger, spec Spec) (Process, error)
}
