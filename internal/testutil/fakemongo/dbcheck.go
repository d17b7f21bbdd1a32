package fakemongo

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	defaultMaxDocsPerBatch    = 5000
	defaultHealthLogEveryN    = 25
	healthLogEveryNBatchesKey = "dbCheckHealthLogEveryNBatches"
)

// dbCheck validates a collection in batches in the background, logging
// each batch to the health log of every running member.
func (s *Server) dbCheck(_ context.Context, n *node, db string, cmd bson.Raw) (bson.Raw, error) {
	coll, ok := cmd.Lookup("dbCheck").StringValueOK()
	if !ok {
		return nil, remote.NewCommandError("dbCheck", 2, "BadValue", "dbCheck requires a collection name")
	}

	if !n.writable() {
		return nil, remote.NewCommandError("dbCheck", 10107, "NotWritablePrimary", "dbCheck must run on the primary")
	}

	ns := db + "." + coll
	c, exists := n.colls[ns]
	if !exists {
		return nil, remote.NewCommandError("dbCheck", 26, "NamespaceNotFound", "Collection "+ns+" not found")
	}

	perBatch := defaultMaxDocsPerBatch
	if v, ok := rawInt(cmd.Lookup("maxDocsPerBatch")); ok && v > 0 {
		perBatch = v
	}

	writeConcern := mo.None[bson.RawValue]()
	if wc, ok := cmd.Lookup("batchWriteConcern").DocumentOK(); ok {
		if w, err := wc.LookupErr("w"); err == nil {
			writeConcern = mo.Some(w)
		}
	}

	everyN := defaultHealthLogEveryN
	if str, ok := n.params[healthLogEveryNBatchesKey]; ok {
		if v, err := strconv.Atoi(str); err == nil && v > 0 {
			everyN = v
		}
	}

	o := s.registerOpLocked(n, "dbCheck", "command", ns, cmd)

	job := dbCheckJob{
		server:       s,
		primary:      n,
		op:           o,
		ns:           ns,
		uuid:         c.uuidValue(),
		docs:         append([]bson.Raw(nil), c.docs...),
		perBatch:     perBatch,
		everyN:       everyN,
		writeConcern: writeConcern,
	}

	go job.run()

	return okReply()
}

type dbCheckJob struct {
	server       *Server
	primary      *node
	op           *op
	ns           string
	uuid         primitive.Binary
	docs         []bson.Raw
	perBatch     int
	everyN       int
	writeConcern mo.Option[bson.RawValue]
}

func (j dbCheckJob) run() {
	s := j.server

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unregisterOpLocked(j.op)

	j.logAllLocked(j.entry("dbCheckStart", "info", "dbCheck start", nil))

	batches := (len(j.docs) + j.perBatch - 1) / j.perBatch
	for i := 0; i < batches; i++ {
		if err := s.sleepLocked(context.Background(), j.op, s.stepDelay); err != nil {
			j.logPrimaryLocked(j.entry("dbCheckStop", "error", "dbCheck interrupted: "+err.Error(), nil))
			return
		}

		start := i * j.perBatch
		end := min(start+j.perBatch, len(j.docs))
		batch := j.docs[start:end]

		if (i+1)%j.everyN == 0 || i == batches-1 {
			j.logAllLocked(j.entry("dbCheckBatch", "info", "dbCheck batch consistent", batchData(batch)))
		}

		if w, ok := j.writeConcern.Get(); ok {
			satisfied, err := s.writeConcernSatisfiedLocked(j.primary, w)
			if err != nil || !satisfied {
				j.logPrimaryLocked(j.entry(
					"dbCheckBatch",
					"warning",
					"dbCheck failed waiting for writeConcern",
					bson.D{{"success", false}, {"error", "WriteConcernFailed: waiting for replication timed out"}},
				))
			}
		}
	}

	j.logAllLocked(j.entry("dbCheckStop", "info", "dbCheck stop", nil))
}

func (j dbCheckJob) entry(operation, severity, msg string, data bson.D) bson.Raw {
	doc := bson.D{
		{"timestamp", primitive.NewDateTimeFromTime(time.Now())},
		{"severity", severity},
		{"operation", operation},
		{"namespace", j.ns},
		{"msg", msg},
	}

	if operation == "dbCheckBatch" {
		doc = append(doc, bson.E{"collectionUUID", j.uuid})
	}

	if data != nil {
		doc = append(doc, bson.E{"data", data})
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal health log entry: %v", err))
	}

	return raw
}

func (j dbCheckJob) logPrimaryLocked(entry bson.Raw) {
	if j.primary.up {
		j.primary.healthLog = append(j.primary.healthLog, entry)
	}

	j.server.cond.Broadcast()
}

func (j dbCheckJob) logAllLocked(entry bson.Raw) {
	j.logPrimaryLocked(entry)
	j.server.replicateLocked(j.primary, func(m *node) {
		m.healthLog = append(m.healthLog, entry)
	})
}

func batchData(batch []bson.Raw) bson.D {
	hash := md5.New()
	bytes := 0
	for _, d := range batch {
		hash.Write(d)
		bytes += len(d)
	}

	data := bson.D{
		{"success", true},
		{"count", len(batch)},
		{"bytes", bytes},
		{"md5", hex.EncodeToString(hash.Sum(nil))},
	}

	if len(batch) > 0 {
		minKey, minErr := batch[0].LookupErr("_id")
		maxKey, maxErr := batch[len(batch)-1].LookupErr("_id")
		if minErr == nil && maxErr == nil {
			data = append(data, bson.E{"minKey", minKey}, bson.E{"maxKey", maxKey})
		}
	}

	return data
}
