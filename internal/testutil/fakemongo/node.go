package fakemongo

import (
	"context"

	"github.com/10gen/mongo-harness/internal/process"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type memberState int

const (
	stateStartup   memberState = 0
	statePrimary   memberState = 1
	stateSecondary memberState = 2
	stateStartup2  memberState = 5
	stateArbiter   memberState = 7
	stateDown      memberState = 8
	stateRemoved   memberState = 10
)

func (ms memberState) String() string {
	switch ms {
	case statePrimary:
		return "PRIMARY"
	case stateSecondary:
		return "SECONDARY"
	case stateStartup2:
		return "STARTUP2"
	case stateArbiter:
		return "ARBITER"
	case stateDown:
		return "(not reachable/healthy)"
	case stateRemoved:
		return "REMOVED"
	default:
		return "STARTUP"
	}
}

type node struct {
	name     string
	endpoint string
	port     int
	dbPath   string
	binary   process.Binary
	replSet  string
	role     process.ClusterRole
	params   map[string]string
	up       bool

	config *replConfig
	state  memberState

	colls      map[string]*collection
	healthLog  []bson.Raw
	failPoints map[string]*failPoint
	ops        map[int64]*op
	fsyncLocks int
}

func (n *node) isRouter() bool {
	return n.binary == process.Mongos
}

func (n *node) isReplMember() bool {
	return n.replSet != ""
}

// writable reports whether the node accepts writes.
func (n *node) writable() bool {
	if !n.up {
		return false
	}

	if !n.isReplMember() {
		return true
	}

	return n.state == statePrimary
}

func (n *node) member() replMember {
	if n.config == nil {
		return replMember{}
	}

	for _, m := range n.config.Members {
		if m.Host == n.endpoint {
			return m
		}
	}

	return replMember{}
}

func (n *node) copyDataFrom(src *node) {
	n.colls = map[string]*collection{}
	for ns, c := range src.colls {
		n.colls[ns] = c.clone()
	}
}

type collection struct {
	uuid uuid.UUID
	docs []bson.Raw
}

func newCollection() *collection {
	return &collection{uuid: uuid.New()}
}

func (c *collection) clone() *collection {
	return &collection{
		uuid: c.uuid,
		docs: append([]bson.Raw(nil), c.docs...),
	}
}

func (c *collection) uuidValue() primitive.Binary {
	return primitive.Binary{Subtype: 4, Data: c.uuid[:]}
}

type failPoint struct {
	mode  string
	times int
	skip  int
	data  bson.Raw
}

// hit reports whether the failpoint fires for this evaluation, consuming
// a skip or a time as needed.
func (fp *failPoint) hit() bool {
	if fp.skip > 0 {
		fp.skip--
		return false
	}

	switch fp.mode {
	case "alwaysOn":
		return true
	case "times":
		if fp.times > 0 {
			fp.times--
			return true
		}
	}

	return false
}

func (fp *failPoint) exhausted() bool {
	return fp.mode == "times" && fp.times == 0
}

// hitFailPoint evaluates the named failpoint on n.
func (n *node) hitFailPoint(name string) (*failPoint, bool) {
	fp, ok := n.failPoints[name]
	if !ok {
		return nil, false
	}

	fired := fp.hit()
	if fp.exhausted() {
		delete(n.failPoints, name)
	}

	return fp, fired
}

func (n *node) failPointOn(name string) bool {
	fp, ok := n.failPoints[name]
	return ok && fp.mode == "alwaysOn"
}

type op struct {
	id      int64
	node    *node
	desc    string
	opType  string
	ns      string
	msg     string
	step    int
	command bson.Raw

	waitingForLock bool
	killed         bool
	done           bool
	children       []*op
}

func (o *op) kill() {
	o.killed = true
	for _, c := range o.children {
		c.kill()
	}
}

func (o *op) cmdName() string {
	if len(o.command) == 0 {
		return o.opType
	}

	return commandName(o.command)
}

func (o *op) doc(opID any, shard string) bson.D {
	d := bson.D{
		{"opid", opID},
		{"desc", o.desc},
		{"active", true},
		{"op", o.opType},
		{"ns", o.ns},
		{"waitingForLock", o.waitingForLock},
	}

	if shard != "" {
		d = append(d, bson.E{"shard", shard})
	}

	if o.command != nil {
		d = append(d, bson.E{"command", o.command})
	}

	if o.msg != "" {
		d = append(d, bson.E{"msg", o.msg})
	}

	return d
}

func (s *Server) registerOpLocked(n *node, desc, opType, ns string, command bson.Raw) *op {
	o := &op{
		id:      s.nextOpID,
		node:    n,
		desc:    desc,
		opType:  opType,
		ns:      ns,
		command: command,
	}
	s.nextOpID++
	n.ops[o.id] = o
	s.cond.Broadcast()

	return o
}

func (s *Server) unregisterOpLocked(o *op) {
	o.done = true
	delete(o.node.ops, o.id)
	s.cond.Broadcast()
}

type conn struct {
	server   *Server
	endpoint string
}

func (c *conn) Endpoint() string {
	return c.endpoint
}

func (c *conn) RunCommand(ctx context.Context, db string, cmd bson.D) (bson.Raw, error) {
	raw, err := bson.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	return c.server.runCommand(ctx, c.endpoint, db, raw)
}

func (c *conn) Aggregate(ctx context.Context, db string, pipeline any) ([]bson.Raw, error) {
	return c.server.aggregate(ctx, c.endpoint, db, pipeline)
}

func (c *conn) Find(ctx context.Context, db, coll string, filter any) ([]bson.Raw, error) {
	return c.server.find(ctx, c.endpoint, db, coll, filter)
}

func (c *conn) CountDocuments(ctx context.Context, db, coll string, filter any) (int64, error) {
	docs, err := c.server.find(ctx, c.endpoint, db, coll, filter)
	return int64(len(docs)), err
}

func (c *conn) Disconnect(context.Context) error {
	return nil
}
