package remote

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Conn is a connection to exactly one server node.
type Conn interface {
	// Endpoint is the node's host:port.
	Endpoint() string

	// RunCommand runs a command against the given database and returns the
	// server's reply. Server-side failures are *CommandError.
	RunCommand(ctx context.Context, db string, cmd bson.D) (bson.Raw, error)

	// Aggregate runs a database-level aggregation (e.g., $currentOp on
	// "admin") and returns every result document.
	Aggregate(ctx context.Context, db string, pipeline any) ([]bson.Raw, error)

	// Find returns every document in db.coll that matches filter.
	Find(ctx context.Context, db, coll string, filter any) ([]bson.Raw, error)

	// CountDocuments counts the documents in db.coll that match filter.
	CountDocuments(ctx context.Context, db, coll string, filter any) (int64, error)

	Disconnect(ctx context.Context) error
}

// Dialer opens connections to nodes.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DriverDialer dials with the Go driver.
type DriverDialer struct {
	AppName        string
	ConnectTimeout time.Duration
}

var _ Dialer = DriverDialer{}

// Dial connects directly (no topology discovery) to the given endpoint.
// It does not wait for the node to answer; use Ping for that.
func (d DriverDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	opts := options.Client().
		ApplyURI("mongodb://" + endpoint).
		SetDirect(true).
		SetReadPreference(readpref.PrimaryPreferred()).
		SetRetryWrites(false).
		SetRetryReads(false)

	if d.AppName != "" {
		opts.SetAppName(d.AppName)
	}

	if d.ConnectTimeout > 0 {
		opts.SetConnectTimeout(d.ConnectTimeout)
		opts.SetServerSelectionTimeout(d.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %#q", endpoint)
	}

	return &ClientConn{
		endpoint: endpoint,
		client:   client,
	}, nil
}

// ClientConn is a Conn backed by a *mongo.Client.
type ClientConn struct {
	endpoint string
	client   *mongo.Client
}

var _ Conn = &ClientConn{}

func (c *ClientConn) Endpoint() string {
	return c.endpoint
}

// Client returns the underlying driver client.
func (c *ClientConn) Client() *mongo.Client {
	return c.client
}

func (c *ClientConn) RunCommand(ctx context.Context, db string, cmd bson.D) (bson.Raw, error) {
	reply, err := c.client.Database(db).RunCommand(ctx, cmd).Raw()
	if err != nil {
		return nil, FromDriverError(err, cmd)
	}

	return reply, nil
}

func (c *ClientConn) Aggregate(ctx context.Context, db string, pipeline any) ([]bson.Raw, error) {
	cursor, err := c.client.Database(db).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, FromDriverError(err, bson.D{{"aggregate", 1}})
	}

	return drain(ctx, cursor)
}

func (c *ClientConn) Find(ctx context.Context, db, coll string, filter any) ([]bson.Raw, error) {
	cursor, err := c.client.Database(db).Collection(coll).Find(ctx, filter)
	if err != nil {
		return nil, FromDriverError(err, bson.D{{"find", coll}})
	}

	return drain(ctx, cursor)
}

func (c *ClientConn) CountDocuments(ctx context.Context, db, coll string, filter any) (int64, error) {
	count, err := c.client.Database(db).Collection(coll).CountDocuments(ctx, filter)
	if err != nil {
		return 0, FromDriverError(err, bson.D{{"count", coll}})
	}

	return count, nil
}

func (c *ClientConn) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func drain(ctx context.Context, cursor *mongo.Cursor) ([]bson.Raw, error) {
	defer cursor.Close(ctx)

	var docs []bson.Raw
	for cursor.Next(ctx) {
		docs = append(docs, append(bson.Raw{}, cursor.Current...))
	}

	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read cursor")
	}

	return docs, nil
}
