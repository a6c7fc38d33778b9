package repository

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/errs"
	"github.com/fathima-sithara/groupsync/internal/feed"
	"github.com/fathima-sithara/groupsync/internal/models"
)

type mongoRepo struct {
	groupsCol  *mongo.Collection
	membersCol *mongo.Collection
	msgCol     *mongo.Collection
	publisher  feed.Publisher
	log        *zap.SugaredLogger
}

// NewMongoRepo builds a Store over the three backing collections. The
// publisher is optional; when set, inserts are announced on the feed
// (the redis-backed feed needs this, change streams do not).
func NewMongoRepo(db *mongo.Database, publisher feed.Publisher, log *zap.SugaredLogger) Store {
	return &mongoRepo{
		groupsCol:  db.Collection(models.TableGroups),
		membersCol: db.Collection(models.TableMemberships),
		msgCol:     db.Collection(models.TableMessages),
		publisher:  publisher,
		log:        log,
	}
}

func (r *mongoRepo) FetchGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	cur, err := r.membersCol.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, errs.Transient("fetch memberships", err)
	}
	var memberships []models.Membership
	if err := cur.All(ctx, &memberships); err != nil {
		return nil, errs.Transient("decode memberships", err)
	}
	if len(memberships) == 0 {
		return []models.Group{}, nil
	}

	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.GroupID)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err = r.groupsCol.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, errs.Transient("fetch groups", err)
	}
	var groups []models.Group
	if err := cur.All(ctx, &groups); err != nil {
		return nil, errs.Transient("decode groups", err)
	}
	return groups, nil
}

func (r *mongoRepo) FetchMessages(ctx context.Context, groupID string) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.msgCol.Find(ctx, bson.M{"group_id": groupID}, opts)
	if err != nil {
		return nil, errs.Transient("fetch messages", err)
	}
	var out []models.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Transient("decode messages", err)
	}
	return out, nil
}

func (r *mongoRepo) InsertMessage(ctx context.Context, groupID, senderID, content string) (*models.Message, error) {
	m := &models.Message{
		GroupID:   groupID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	res, err := r.msgCol.InsertOne(ctx, m)
	if err != nil {
		return nil, err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		m.ID = oid.Hex()
	}
	r.announce(ctx, m)
	return m, nil
}

func (r *mongoRepo) announce(ctx context.Context, m *models.Message) {
	if r.publisher == nil {
		return
	}
	row, err := json.Marshal(m)
	if err != nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	ev := feed.Event{Kind: feed.KindInsert, Table: models.TableMessages, Row: row}
	if err := r.publisher.Publish(pubCtx, ev); err != nil {
		r.log.Warnw("announce message insert", "group", m.GroupID, "err", err)
	}
}
