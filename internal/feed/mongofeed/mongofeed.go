// Package mongofeed implements the change feed over mongo change
// streams. Insert/update events are filtered server-side against the
// full document; delete events only carry the document key, so they are
// forwarded unfiltered and consumers treat them as coarse signals.
package mongofeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/feed"
)

type Feed struct {
	db  *mongo.Database
	log *zap.SugaredLogger
}

func New(db *mongo.Database, log *zap.SugaredLogger) *Feed {
	return &Feed{db: db, log: log}
}

func (f *Feed) Subscribe(ctx context.Context, table string, filter feed.Filter, onEvent feed.EventFunc, onDrop feed.DropFunc) (feed.Subscription, error) {
	fieldMatch := bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}}}
	for k, v := range filter {
		fieldMatch = append(fieldMatch, bson.E{Key: "fullDocument." + k, Value: v})
	}
	match := bson.D{{Key: "$or", Value: bson.A{
		fieldMatch,
		bson.D{{Key: "operationType", Value: "delete"}},
	}}}
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := f.db.Collection(table).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel}
	go f.consume(streamCtx, cs, table, onEvent, onDrop)
	return sub, nil
}

func (f *Feed) consume(ctx context.Context, cs *mongo.ChangeStream, table string, onEvent feed.EventFunc, onDrop feed.DropFunc) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cs.Close(closeCtx)
	}()

	for cs.Next(ctx) {
		var doc struct {
			OperationType string `bson:"operationType"`
			FullDocument  bson.M `bson:"fullDocument"`
			DocumentKey   bson.M `bson:"documentKey"`
		}
		if err := cs.Decode(&doc); err != nil {
			f.log.Warnw("decode change event", "table", table, "err", err)
			continue
		}
		var kind feed.Kind
		var row bson.M
		switch doc.OperationType {
		case "insert":
			kind, row = feed.KindInsert, doc.FullDocument
		case "update", "replace":
			kind, row = feed.KindUpdate, doc.FullDocument
		case "delete":
			kind, row = feed.KindDelete, doc.DocumentKey
		default:
			continue
		}
		raw, err := rowJSON(row)
		if err != nil {
			f.log.Warnw("encode change event row", "table", table, "err", err)
			continue
		}
		onEvent(feed.Event{Kind: kind, Table: table, Row: raw})
	}

	if ctx.Err() != nil {
		return // unsubscribed
	}
	if onDrop != nil {
		onDrop(cs.Err())
	}
}

// rowJSON converts a decoded change-stream document into the plain JSON
// row shape consumers decode, renaming _id to id.
func rowJSON(row bson.M) (json.RawMessage, error) {
	m, _ := normalize(row).(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	if id, ok := m["_id"]; ok {
		m["id"] = id
		delete(m, "_id")
	}
	return json.Marshal(m)
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = normalize(vv)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}

type subscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(s.cancel)
	return nil
}
