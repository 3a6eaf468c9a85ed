// Package mongostore persists run headers in MongoDB, for deployments that
// need run summaries and history queries to survive process restarts (the
// inmem package is sufficient for a single process or tests).
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/runstore"
)

const (
	defaultCollection = "brain_runs"
	defaultOpTimeout   = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements runstore.Store against a MongoDB collection.
type Store struct {
	client  *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New constructs a Store, creating its indexes (among them the unique
// brain_run_id index) if they don't already exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &Store{client: opts.Client, coll: coll, timeout: timeout}, nil
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "brain_run_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Upsert(ctx context.Context, r brain.Run) error {
	if r.BrainRunID == "" {
		return errors.New("mongostore: brain run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromRun(r)
	filter := bson.M{"brain_run_id": r.BrainRunID}
	update := bson.M{"$set": doc}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) Load(ctx context.Context, runID string) (brain.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := s.coll.FindOne(ctx, bson.M{"brain_run_id": runID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return brain.Run{}, runstore.ErrNotFound
	}
	if err != nil {
		return brain.Run{}, err
	}
	return doc.toRun(), nil
}

func (s *Store) ActiveByBrain(ctx context.Context, brainType string) ([]brain.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"type": brainType, "status": string(brain.StatusRunning)}
	return s.find(ctx, filter, 0)
}

func (s *Store) HistoryByBrain(ctx context.Context, brainType string, limit int) ([]brain.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"type": brainType}
	return s.find(ctx, filter, limit)
}

func (s *Store) ByStatus(ctx context.Context, status brain.Status) ([]brain.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"status": string(status)}
	return s.find(ctx, filter, 0)
}

func (s *Store) find(ctx context.Context, filter bson.M, limit int) ([]brain.Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]brain.Run, len(docs))
	for i, d := range docs {
		out[i] = d.toRun()
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type runDocument struct {
	BrainRunID  string         `bson:"brain_run_id"`
	BrainTitle  string         `bson:"brain_title"`
	Type        string         `bson:"type"`
	Status      string         `bson:"status"`
	Options     map[string]any `bson:"options,omitempty"`
	Error       *errorDocument `bson:"error,omitempty"`
	CreatedAt   int64          `bson:"created_at"`
	StartedAt   int64          `bson:"started_at,omitempty"`
	CompletedAt int64          `bson:"completed_at,omitempty"`
	LastSeq     int64          `bson:"last_seq"`
}

type errorDocument struct {
	Name    string `bson:"name"`
	Message string `bson:"message"`
	Stack   string `bson:"stack,omitempty"`
}

func fromRun(r brain.Run) runDocument {
	doc := runDocument{
		BrainRunID:  r.BrainRunID,
		BrainTitle:  r.BrainTitle,
		Type:        r.Type,
		Status:      string(r.Status),
		Options:     r.Options,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		LastSeq:     r.LastSeq,
	}
	if r.Error != nil {
		doc.Error = &errorDocument{Name: r.Error.Name, Message: r.Error.Message, Stack: r.Error.Stack}
	}
	return doc
}

func (d runDocument) toRun() brain.Run {
	r := brain.Run{
		BrainRunID:  d.BrainRunID,
		BrainTitle:  d.BrainTitle,
		Type:        d.Type,
		Status:      brain.Status(d.Status),
		Options:     d.Options,
		CreatedAt:   d.CreatedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		LastSeq:     d.LastSeq,
	}
	if d.Error != nil {
		r.Error = &brain.RunError{Name: d.Error.Name, Message: d.Error.Message, Stack: d.Error.Stack}
	}
	return r
}
