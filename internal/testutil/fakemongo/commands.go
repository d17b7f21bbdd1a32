package fakemongo

import (
	"context"
	"fmt"
	"strings"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

type handler func(ctx context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error)

func (s *Server) handlers() map[string]handler {
	return map[string]handler{
		"hello":              s.hello,
		"isMaster":           s.hello,
		"ismaster":           s.hello,
		"ping":               s.ping,
		"setParameter":       s.setParameter,
		"configureFailPoint": s.configureFailPoint,
		"killOp":             s.killOp,
		"sleep":              s.sleep,
		"replSetInitiate":    s.replSetInitiate,
		"replSetGetConfig":   s.replSetGetConfig,
		"replSetGetStatus":   s.replSetGetStatus,
		"replSetReconfig":    s.replSetReconfig,
		"insert":             s.insert,
		"drop":               s.drop,
		"listCollections":    s.listCollections,
		"fsync":              s.fsync,
		"fsyncUnlock":        s.fsyncUnlock,
		"dbCheck":            s.dbCheck,
		"addShard":           s.addShard,
		"enableSharding":     s.enableSharding,
		"shardCollection":    s.shardCollection,
		"moveChunk":          s.moveChunk,
	}
}

func (s *Server) runCommand(ctx context.Context, endpoint, db string, cmd bson.Raw) (bson.Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.broadcast)
	defer stop()

	return s.runCommandLocked(ctx, endpoint, db, cmd)
}

func (s *Server) runCommandLocked(ctx context.Context, endpoint, db string, cmd bson.Raw) (bson.Raw, error) {
	n, err := s.nodeLocked(endpoint)
	if err != nil {
		return nil, err
	}

	name := commandName(cmd)
	if s.commandCounts[endpoint] == nil {
		s.commandCounts[endpoint] = map[string]int{}
	}
	s.commandCounts[endpoint][name]++

	if err := s.failCommandLocked(n, name); err != nil {
		return nil, err
	}

	h, ok := s.handlers()[name]
	if !ok {
		return nil, remote.NewCommandError(
			name,
			59,
			"CommandNotFound",
			fmt.Sprintf("no such command: '%s'", name),
		)
	}

	return h(ctx, n, db, cmd)
}

// failCommandLocked applies the failCommand failpoint.
func (s *Server) failCommandLocked(n *node, name string) error {
	fp, ok := n.failPoints["failCommand"]
	if !ok || name == "configureFailPoint" {
		return nil
	}

	var data struct {
		FailCommands []string `bson:"failCommands"`
		ErrorCode    int      `bson:"errorCode"`
	}

	if err := bson.Unmarshal(fp.data, &data); err != nil {
		return err
	}

	if !lo.Contains(data.FailCommands, name) {
		return nil
	}

	if _, fired := n.hitFailPoint("failCommand"); !fired {
		return nil
	}

	return remote.NewCommandError(
		name,
		data.ErrorCode,
		"",
		"Failing command via 'failCommand' failpoint",
	)
}

func (s *Server) hello(_ context.Context, n *node, _ string, _ bson.Raw) (bson.Raw, error) {
	fields := bson.D{{"me", n.endpoint}}

	switch {
	case n.isRouter():
		fields = append(fields, bson.E{"isWritablePrimary", true}, bson.E{"msg", "isdbgrid"})
	case !n.isReplMember():
		fields = append(fields, bson.E{"isWritablePrimary", true})
	case n.config == nil:
		fields = append(
			fields,
			bson.E{"isWritablePrimary", false},
			bson.E{"secondary", false},
			bson.E{"isreplicaset", true},
		)
	default:
		fields = append(
			fields,
			bson.E{"isWritablePrimary", n.state == statePrimary},
			bson.E{"secondary", n.state == stateSecondary},
			bson.E{"arbiterOnly", n.state == stateArbiter},
			bson.E{"setName", n.config.ID},
			bson.E{"setVersion", n.config.Version},
			bson.E{"hosts", n.config.hosts()},
		)
	}

	return okReply(fields...)
}

func (s *Server) ping(context.Context, *node, string, bson.Raw) (bson.Raw, error) {
	return okReply()
}

func (s *Server) setParameter(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	if err := requireAdmin("setParameter", db); err != nil {
		return nil, err
	}

	elems, err := cmd.Elements()
	if err != nil {
		return nil, err
	}

	for _, elem := range elems[1:] {
		if elem.Key() == "comment" {
			continue
		}

		n.params[elem.Key()] = rawString(elem.Value())
	}

	return okReply()
}

func (s *Server) configureFailPoint(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	if err := requireAdmin("configureFailPoint", db); err != nil {
		return nil, err
	}

	name, _ := cmd.Lookup("configureFailPoint").StringValueOK()
	if name == "" {
		return nil, remote.NewCommandError("configureFailPoint", 2, "BadValue", "missing failpoint name")
	}

	fp := &failPoint{}
	mode := cmd.Lookup("mode")
	logged := ""

	switch {
	case mode.Type == bson.TypeString:
		fp.mode = mode.StringValue()
		logged = fp.mode
	case mode.Type == bson.TypeEmbeddedDocument:
		doc := mode.Document()
		if t, ok := rawInt(doc.Lookup("times")); ok {
			fp.mode = "times"
			fp.times = t
			logged = fmt.Sprintf("times=%d", t)
		} else if sk, ok := rawInt(doc.Lookup("skip")); ok {
			fp.mode = "alwaysOn"
			fp.skip = sk
			logged = fmt.Sprintf("skip=%d", sk)
		}
	}

	if fp.mode != "alwaysOn" && fp.mode != "off" && fp.mode != "times" {
		return nil, remote.NewCommandError("configureFailPoint", 2, "BadValue", "invalid failpoint mode")
	}

	if data, ok := cmd.Lookup("data").DocumentOK(); ok {
		fp.data = data
	}

	s.failPointLog[n.endpoint] = append(s.failPointLog[n.endpoint], name+":"+logged)

	if fp.mode == "off" {
		delete(n.failPoints, name)
	} else {
		n.failPoints[name] = fp
	}

	s.cond.Broadcast()

	return okReply()
}

func (s *Server) sleep(ctx context.Context, n *node, _ string, cmd bson.Raw) (bson.Raw, error) {
	millis, _ := rawInt(cmd.Lookup("millis"))

	o := s.registerOpLocked(n, "conn", "command", "admin.$cmd", cmd)
	defer s.unregisterOpLocked(o)

	if err := s.sleepLocked(ctx, o, msDuration(millis)); err != nil {
		return nil, err
	}

	return okReply()
}

func requireAdmin(cmdName, db string) error {
	if db == "admin" {
		return nil
	}

	return remote.NewCommandError(
		cmdName,
		13,
		"Unauthorized",
		fmt.Sprintf("%s may only be run against the admin database.", cmdName),
	)
}

func commandName(cmd bson.Raw) string {
	elem, err := cmd.IndexErr(0)
	if err != nil {
		return ""
	}

	return elem.Key()
}

func okReply(fields ...bson.E) (bson.Raw, error) {
	doc := append(bson.D{}, fields...)
	doc = append(doc, bson.E{"ok", 1.0})

	return bson.Marshal(doc)
}

func rawInt(v bson.RawValue) (int, bool) {
	switch v.Type {
	case bson.TypeInt32:
		return int(v.Int32()), true
	case bson.TypeInt64:
		return int(v.Int64()), true
	case bson.TypeDouble:
		return int(v.Double()), true
	}

	return 0, false
}

func rawFloat(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bson.TypeInt32:
		return float64(v.Int32()), true
	case bson.TypeInt64:
		return float64(v.Int64()), true
	case bson.TypeDouble:
		return v.Double(), true
	}

	return 0, false
}

func rawString(v bson.RawValue) string {
	if str, ok := v.StringValueOK(); ok {
		return str
	}

	if b, ok := v.BooleanOK(); ok {
		return fmt.Sprint(b)
	}

	if f, ok := rawFloat(v); ok {
		return strings.TrimSuffix(fmt.Sprintf("%g", f), ".0")
	}

	return v.String()
}
