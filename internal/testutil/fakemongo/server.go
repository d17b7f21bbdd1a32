// Package fakemongo is an in-memory stand-in for mongod and mongos
// processes. It speaks just enough of the command interface for the
// harness's own tests: replica set setup and reconfiguration, failpoints,
// $currentOp and killOp, a stepped moveChunk, dbCheck health logging, and
// fsync locking.
//
// All state sits behind one mutex. Commands that block (a paused
// moveChunk, an insert against a locked node) wait on a condition
// variable that every state change broadcasts.
package fakemongo

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/process"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	firstPort = 20000

	// DefaultElectionDelay is how long a replica set takes to elect a
	// primary after replSetInitiate or a stepdown.
	DefaultElectionDelay = 20 * time.Millisecond

	// DefaultStepDelay is how long a long-running op spends between steps.
	DefaultStepDelay = 2 * time.Millisecond
)

// Server holds every fake node.
type Server struct {
	mu   sync.Mutex
	cond *sync.Cond

	nodes    map[string]*node
	nextPort int
	nextOpID int64

	shards  []*shardEntry
	sharded map[string]string

	commandCounts map[string]map[string]int
	failPointLog  map[string][]string

	electionDelay time.Duration
	stepDelay     time.Duration
}

// New returns an empty Server.
func New() *Server {
	s := &Server{
		nodes:         map[string]*node{},
		nextPort:      firstPort,
		nextOpID:      1,
		sharded:       map[string]string{},
		commandCounts: map[string]map[string]int{},
		failPointLog:  map[string][]string{},
		electionDelay: DefaultElectionDelay,
		stepDelay:     DefaultStepDelay,
	}
	s.cond = sync.NewCond(&s.mu)

	return s
}

// WithStepDelay sets the time a long-running op spends between steps.
func (s *Server) WithStepDelay(d time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepDelay = d
	return s
}

var _ remote.Dialer = &Server{}
var _ process.Launcher = &Server{}

// Dial returns a connection to the node at endpoint. As with the driver,
// dialing always succeeds; commands against a node that isn't running
// fail with a network error.
func (s *Server) Dial(_ context.Context, endpoint string) (remote.Conn, error) {
	return s.Conn(endpoint), nil
}

// Conn is Dial without the ceremony.
func (s *Server) Conn(endpoint string) remote.Conn {
	return &conn{server: s, endpoint: endpoint}
}

// Launch starts a fake node. A spec whose port belongs to a stopped node
// restarts that node with its data intact.
func (s *Server) Launch(_ context.Context, logger *logger.Logger, spec process.Spec) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.Port != 0 {
		endpoint := endpointFor(spec.Port)
		if n, exists := s.nodes[endpoint]; exists {
			if n.up {
				return nil, fmt.Errorf("port %d is already in use by %s", spec.Port, n.name)
			}

			s.restartLocked(n, spec)
			logger.Debug().Str("node", n.name).Str("endpoint", endpoint).Msg("Fake node restarted.")

			return newFakeProcess(s, n), nil
		}
	}

	port := spec.Port
	if port == 0 {
		port = s.nextPort
		s.nextPort++
	}

	dbPath := spec.DBPath
	if dbPath == "" {
		dbPath = "/fake/" + spec.Name
	}

	n := &node{
		name:       spec.Name,
		endpoint:   endpointFor(port),
		port:       port,
		dbPath:     dbPath,
		binary:     spec.Binary,
		replSet:    spec.ReplSet,
		role:       spec.ClusterRole,
		params:     map[string]string{},
		up:         true,
		colls:      map[string]*collection{},
		failPoints: map[string]*failPoint{},
		ops:        map[int64]*op{},
	}

	for k, v := range spec.SetParameters {
		n.params[k] = v
	}

	s.nodes[n.endpoint] = n

	logger.Debug().Str("node", n.name).Str("endpoint", n.endpoint).Msg("Fake node started.")

	return newFakeProcess(s, n), nil
}

// StopNode stops the node at endpoint as if it had been shut down.
func (s *Server) StopNode(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[endpoint]; ok {
		s.stopLocked(n)
	}
}

func (s *Server) stopLocked(n *node) {
	if !n.up {
		return
	}

	n.up = false
	n.fsyncLocks = 0
	n.failPoints = map[string]*failPoint{}

	for _, o := range n.ops {
		o.kill()
	}

	if n.config != nil && n.state == statePrimary {
		s.scheduleElectionLocked(n.config.ID)
	}

	s.cond.Broadcast()
}

func (s *Server) restartLocked(n *node, spec process.Spec) {
	n.up = true

	for k, v := range spec.SetParameters {
		n.params[k] = v
	}

	if n.config != nil {
		n.state = stateSecondary

		if primary := s.primaryOfLocked(n.config.ID); primary != nil {
			n.copyDataFrom(primary)
		} else if n.member().Priority > 0 {
			s.scheduleElectionLocked(n.config.ID)
		}
	}

	s.cond.Broadcast()
}

// RunningNodes returns how many nodes are up.
func (s *Server) RunningNodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.CountBy(lo.Values(s.nodes), func(n *node) bool { return n.up })
}

// CommandCount returns how many times the node ran the named command.
func (s *Server) CommandCount(endpoint, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commandCounts[endpoint][name]
}

// FailPointLog returns the node's configureFailPoint calls as
// "name:mode" strings, oldest first.
func (s *Server) FailPointLog(endpoint string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.failPointLog[endpoint]...)
}

// ArmedFailPoints returns the names of the node's active failpoints.
func (s *Server) ArmedFailPoints(endpoint string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[endpoint]
	if !ok {
		return nil
	}

	var names []string
	for name := range n.failPoints {
		names = append(names, name)
	}

	return names
}

// AppendHealthLog adds an entry to the node's health log.
func (s *Server) AppendHealthLog(endpoint string, entry bson.D) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[endpoint]
	if !ok {
		return fmt.Errorf("no node at %#q", endpoint)
	}

	raw, err := bson.Marshal(entry)
	if err != nil {
		return err
	}

	n.healthLog = append(n.healthLog, raw)
	s.cond.Broadcast()

	return nil
}

func (s *Server) nodeLocked(endpoint string) (*node, error) {
	n, ok := s.nodes[endpoint]
	if !ok || !n.up {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: errors.Errorf("connection refused (%s)", endpoint),
		}
	}

	return n, nil
}

// sleepLocked waits for d unless the op is interrupted first.
func (s *Server) sleepLocked(ctx context.Context, o *op, d time.Duration) error {
	if d <= 0 {
		return s.interruptedLocked(ctx, o)
	}

	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, s.broadcast)
	defer timer.Stop()

	for time.Now().Before(deadline) {
		if err := s.interruptedLocked(ctx, o); err != nil {
			return err
		}

		s.cond.Wait()
	}

	return s.interruptedLocked(ctx, o)
}

// waitLocked waits until ready returns true or the op is interrupted.
func (s *Server) waitLocked(ctx context.Context, o *op, ready func() bool) error {
	for !ready() {
		if err := s.interruptedLocked(ctx, o); err != nil {
			return err
		}

		s.cond.Wait()
	}

	return nil
}

func (s *Server) interruptedLocked(ctx context.Context, o *op) error {
	switch {
	case o != nil && !o.node.up:
		return remote.NewCommandError(o.cmdName(), 11600, "InterruptedAtShutdown", "interrupted at shutdown")
	case o != nil && o.killed:
		return remote.NewCommandError(o.cmdName(), 11601, "Interrupted", "operation was interrupted")
	case ctx.Err() != nil:
		return ctx.Err()
	}

	return nil
}

func (s *Server) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cond.Broadcast()
}

func endpointFor(port int) string {
	return fmt.Sprintf("localhost:%d", port)
}

type fakeProcess struct {
	server   *Server
	name     string
	endpoint string
	port     int
	dbPath   string
	exited   chan struct{}
	once     sync.Once
}

func newFakeProcess(s *Server, n *node) *fakeProcess {
	return &fakeProcess{
		server:   s,
		name:     n.name,
		endpoint: n.endpoint,
		port:     n.port,
		dbPath:   n.dbPath,
		exited:   make(chan struct{}),
	}
}

func (p *fakeProcess) Name() string            { return p.name }
func (p *fakeProcess) Endpoint() string        { return p.endpoint }
func (p *fakeProcess) Port() int               { return p.port }
func (p *fakeProcess) DBPath() string          { return p.dbPath }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *fakeProcess) Stop(context.Context, time.Duration) error {
	p.once.Do(func() {
		p.server.StopNode(p.endpoint)
		close(p.exited)
	})

	return nil
}

func (p *fakeProcess) Cleanup() error {
	p.server.mu.Lock()
	defer p.server.mu.Unlock()

	if n, ok := p.server.nodes[p.endpoint]; ok && !n.up {
		delete(p.server.nodes, p.endpoint)
	}

	return nil
}
