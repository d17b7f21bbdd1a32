package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	HealthLogDB         = "local"
	HealthLogCollection = "system.healthlog"
)

// Severity is a health log entry's severity.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// EventFilter selects health log entries. Zero fields match anything.
type EventFilter struct {
	Operation string
	Severity  Severity
	Namespace string

	CollectionUUID mo.Option[uuid.UUID]

	// MissingCollectionUUID selects entries without a collection UUID.
	MissingCollectionUUID bool

	// Extra is appended to the query as-is.
	Extra bson.D
}

// Query returns the filter as a find query.
func (f EventFilter) Query() bson.D {
	q := bson.D{}

	if f.Operation != "" {
		q = append(q, bson.E{"operation", f.Operation})
	}

	if f.Severity != "" {
		q = append(q, bson.E{"severity", string(f.Severity)})
	}

	if f.Namespace != "" {
		q = append(q, bson.E{"namespace", f.Namespace})
	}

	if id, ok := f.CollectionUUID.Get(); ok {
		q = append(q, bson.E{"collectionUUID", uuidValue(id)})
	} else if f.MissingCollectionUUID {
		q = append(q, bson.E{"collectionUUID", bson.D{{"$exists", false}}})
	}

	return append(q, f.Extra...)
}

func (f EventFilter) String() string {
	return fmt.Sprintf("%v", f.Query())
}

func uuidValue(id uuid.UUID) primitive.Binary {
	return primitive.Binary{Subtype: bsontype.BinaryUUID, Data: id[:]}
}

// DiagnosticEvent is one health log entry.
type DiagnosticEvent struct {
	Timestamp      time.Time         `bson:"timestamp"`
	Severity       Severity          `bson:"severity"`
	Operation      string            `bson:"operation"`
	Namespace      string            `bson:"namespace"`
	Msg            string            `bson:"msg"`
	CollectionUUID *primitive.Binary `bson:"collectionUUID,omitempty"`
	Data           bson.Raw          `bson:"data,omitempty"`
}

// UUID returns the entry's collection UUID, if it has one.
func (e DiagnosticEvent) UUID() mo.Option[uuid.UUID] {
	if e.CollectionUUID == nil {
		return mo.None[uuid.UUID]()
	}

	id, err := uuid.FromBytes(e.CollectionUUID.Data)
	if err != nil {
		return mo.None[uuid.UUID]()
	}

	return mo.Some(id)
}

// CountMatchingEvents counts the node's health log entries that match the
// filter. An empty health log counts zero.
func CountMatchingEvents(ctx context.Context, conn remote.Conn, filter EventFilter) (int64, error) {
	n, err := conn.CountDocuments(ctx, HealthLogDB, HealthLogCollection, filter.Query())
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count health log entries on %#q", conn.Endpoint())
	}

	return n, nil
}

// ListEvents returns the node's health log entries that match the filter.
func ListEvents(ctx context.Context, conn remote.Conn, filter EventFilter) ([]DiagnosticEvent, error) {
	docs, err := conn.Find(ctx, HealthLogDB, HealthLogCollection, filter.Query())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read health log on %#q", conn.Endpoint())
	}

	events := make([]DiagnosticEvent, 0, len(docs))
	for _, doc := range docs {
		var e DiagnosticEvent
		if err := bson.Unmarshal(doc, &e); err != nil {
			return nil, errors.Wrapf(err, "failed to parse health log entry %s", doc)
		}

		events = append(events, e)
	}

	return events, nil
}

// AwaitEventCount waits until exactly want health log entries on the node
// match the filter.
func (v *Verifier) AwaitEventCount(
	ctx context.Context,
	conn remote.Conn,
	filter EventFilter,
	want int64,
	timeout time.Duration,
) error {
	_, err := Await(
		ctx,
		v,
		fmt.Sprintf("%d health log entries matching %s on %#q", want, filter, conn.Endpoint()),
		timeout,
		func(ctx context.Context) (int64, bool, error) {
			n, err := CountMatchingEvents(ctx, conn, filter)
			return n, err == nil && n == want, err
		},
	)

	return err
}
