package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/pkg/api"
)

// MongoStore is a Store backed by a MongoDB collection.
//
// Each instance is one document holding the instance record, its
// JSON-encoded history events and an event counter. Appends are a single
// conditional update on the counter, so they need no multi-document
// transaction.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a MongoStore. dbName defaults to "replayflow",
// collName to "instances".
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "replayflow"
	}
	if collName == "" {
		collName = "instances"
	}
	s := &MongoStore{coll: client.Database(dbName).Collection(collName)}

	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

type mongoInstanceDoc struct {
	ID            string   `bson:"_id"`
	Name          string   `bson:"name"`
	Status        string   `bson:"status"`
	Input         []byte   `bson:"input,omitempty"`
	Output        []byte   `bson:"output,omitempty"`
	Error         string   `bson:"error,omitempty"`
	CreatedAt     int64    `bson:"created_at"`
	LastUpdatedAt int64    `bson:"last_updated_at"`
	EventCount    int64    `bson:"event_count"`
	Events        [][]byte `bson:"events,omitempty"`
}

func (d *mongoInstanceDoc) instance() *api.Instance {
	return &api.Instance{
		ID:            d.ID,
		Name:          d.Name,
		Status:        api.Status(d.Status),
		Input:         api.Payload(d.Input),
		Output:        api.Payload(d.Output),
		Error:         d.Error,
		CreatedAt:     fromUnixNanos(d.CreatedAt),
		LastUpdatedAt: fromUnixNanos(d.LastUpdatedAt),
	}
}

// withoutEvents keeps instance reads from pulling the whole history.
var withoutEvents = bson.M{"events": 0}

func (s *MongoStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	if err := history.CheckNext(0, started); err != nil {
		return err
	}
	ev, err := EncodeEvent(started)
	if err != nil {
		return err
	}

	doc := mongoInstanceDoc{
		ID:            inst.ID,
		Name:          inst.Name,
		Status:        string(inst.Status),
		Input:         []byte(inst.Input),
		Output:        []byte(inst.Output),
		Error:         inst.Error,
		CreatedAt:     unixNanos(inst.CreatedAt),
		LastUpdatedAt: unixNanos(inst.LastUpdatedAt),
		EventCount:    1,
		Events:        [][]byte{ev},
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return api.ErrDuplicateInstance
		}
		return err
	}
	return nil
}

func (s *MongoStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	update := bson.M{
		"$set": bson.M{
			"name":            inst.Name,
			"status":          string(inst.Status),
			"input":           []byte(inst.Input),
			"output":          []byte(inst.Output),
			"error":           inst.Error,
			"last_updated_at": unixNanos(inst.LastUpdatedAt),
		},
	}

	res, err := s.coll.UpdateByID(ctx, inst.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	var doc mongoInstanceDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(withoutEvents)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.instance(), nil
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	bfilter := bson.M{}
	if filter.Name != "" {
		bfilter["name"] = filter.Name
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().
		SetProjection(withoutEvents).
		SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.coll.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	instances := []*api.Instance{}
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		instances = append(instances, doc.instance())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *MongoStore) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) AppendEvents(ctx context.Context, instanceID string, events ...api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	values := make([][]byte, 0, len(events))
	for _, ev := range events {
		data, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	// The update only matches while the counter still equals the length the
	// batch was checked against.
	length := events[0].Seq - 1
	if length < 0 {
		return api.ErrOutOfOrderWrite
	}
	if err := history.CheckNext(length, events...); err != nil {
		return err
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": instanceID, "event_count": length},
		bson.M{
			"$push": bson.M{"events": bson.M{"$each": values}},
			"$inc":  bson.M{"event_count": int64(len(values))},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": instanceID})
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrInstanceNotFound
	}
	return api.ErrOutOfOrderWrite
}

func (s *MongoStore) ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	var doc struct {
		Events [][]byte `bson:"events"`
	}
	opts := options.FindOne().SetProjection(bson.M{"events": 1})
	err := s.coll.FindOne(ctx, bson.M{"_id": instanceID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}

	out := make([]api.HistoryEvent, 0, len(doc.Events))
	for _, raw := range doc.Events {
		ev, err := DecodeEvent(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
