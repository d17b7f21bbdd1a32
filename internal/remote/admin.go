package remote

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Op is one entry of $currentOp.
type Op struct {
	OpID           any      `bson:"opid"`
	Desc           string   `bson:"desc"`
	Op             string   `bson:"op"`
	NS             string   `bson:"ns"`
	Msg            string   `bson:"msg"`
	Active         bool     `bson:"active"`
	WaitingForLock bool     `bson:"waitingForLock"`
	Command        bson.Raw `bson:"command"`

	// Shard is set when a router reports a shard's op.
	Shard string `bson:"shard"`
}

// Comment returns the op's command comment, if it is a string.
func (o Op) Comment() string {
	if o.Command == nil {
		return ""
	}

	comment, _, err := Lookup[string](o.Command, "comment")
	if err != nil {
		return ""
	}

	return comment
}

// HelloReply is the part of the hello reply the harness reads.
type HelloReply struct {
	IsWritablePrimary bool   `bson:"isWritablePrimary"`
	Secondary         bool   `bson:"secondary"`
	ArbiterOnly       bool   `bson:"arbiterOnly"`
	SetName           string `bson:"setName"`
	Msg               string `bson:"msg"`
	Me                string `bson:"me"`
}

// IsRouter reports whether the node is a mongos.
func (h HelloReply) IsRouter() bool {
	return h.Msg == "isdbgrid"
}

// Ping runs ping against admin.
func Ping(ctx context.Context, conn Conn) error {
	_, err := conn.RunCommand(ctx, "admin", bson.D{{"ping", 1}})
	return err
}

// Hello runs hello against admin.
func Hello(ctx context.Context, conn Conn) (HelloReply, error) {
	raw, err := conn.RunCommand(ctx, "admin", bson.D{{"hello", 1}})
	if err != nil {
		return HelloReply{}, err
	}

	var reply HelloReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return HelloReply{}, errors.Wrapf(err, "failed to parse hello reply from %#q", conn.Endpoint())
	}

	return reply, nil
}

// CurrentOps returns the node's current operations (for all users,
// including idle connections) that match the given $match filter.
func CurrentOps(ctx context.Context, conn Conn, match bson.D) ([]Op, error) {
	pipeline := mongo.Pipeline{
		{{"$currentOp", bson.D{
			{"allUsers", true},
			{"idleConnections", true},
		}}},
	}

	if len(match) > 0 {
		pipeline = append(pipeline, bson.D{{"$match", match}})
	}

	docs, err := conn.Aggregate(ctx, "admin", pipeline)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read current operations on %#q", conn.Endpoint())
	}

	ops := make([]Op, 0, len(docs))
	for _, doc := range docs {
		var op Op
		if err := bson.Unmarshal(doc, &op); err != nil {
			return nil, errors.Wrapf(err, "failed to parse current operation %s", doc)
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// KillOp asks the node to interrupt the given operation. The server only
// marks the op as killed; callers must re-poll to see it end.
func KillOp(ctx context.Context, conn Conn, opID any) error {
	_, err := conn.RunCommand(ctx, "admin", bson.D{
		{"killOp", 1},
		{"op", opID},
	})

	return errors.Wrapf(err, "failed to kill op %v on %#q", opID, conn.Endpoint())
}

// MemberStatus is one member of replSetGetStatus.
type MemberStatus struct {
	ID       int    `bson:"_id"`
	Name     string `bson:"name"`
	Health   int    `bson:"health"`
	State    int    `bson:"state"`
	StateStr string `bson:"stateStr"`
	Self     bool   `bson:"self"`
}

// ReplSetStatus is the part of replSetGetStatus the harness reads.
type ReplSetStatus struct {
	Set     string         `bson:"set"`
	MyState int            `bson:"myState"`
	Members []MemberStatus `bson:"members"`
}

// GetReplSetStatus runs replSetGetStatus.
func GetReplSetStatus(ctx context.Context, conn Conn) (ReplSetStatus, error) {
	raw, err := conn.RunCommand(ctx, "admin", bson.D{{"replSetGetStatus", 1}})
	if err != nil {
		return ReplSetStatus{}, err
	}

	var status ReplSetStatus
	if err := bson.Unmarshal(raw, &status); err != nil {
		return ReplSetStatus{}, errors.Wrapf(err, "failed to parse replSetGetStatus reply from %#q", conn.Endpoint())
	}

	return status, nil
}

// CollectionUUID returns the collection's UUID from listCollections.
func CollectionUUID(ctx context.Context, conn Conn, db, coll string) (uuid.UUID, error) {
	raw, err := conn.RunCommand(ctx, db, bson.D{
		{"listCollections", 1},
		{"filter", bson.D{{"name", coll}}},
	})
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "failed to list collection %s.%s on %#q", db, coll, conn.Endpoint())
	}

	var reply struct {
		Cursor struct {
			FirstBatch []struct {
				Name string `bson:"name"`
				Info struct {
					UUID primitive.Binary `bson:"uuid"`
				} `bson:"info"`
			} `bson:"firstBatch"`
		} `bson:"cursor"`
	}

	if err := bson.Unmarshal(raw, &reply); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to parse listCollections reply")
	}

	for _, c := range reply.Cursor.FirstBatch {
		if c.Name == coll {
			return uuid.FromBytes(c.Info.UUID.Data)
		}
	}

	return uuid.Nil, errors.Errorf("collection %s.%s not found on %#q", db, coll, conn.Endpoint())
}
