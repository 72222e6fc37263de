// Package mongo wires the memory.Store interface to MongoDB, mirroring the
// contract/backend split goa-ai's memory feature draws between an
// in-process store and clients/mongo.
package mongo

import (
	"context"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"deskagent/internal/agent/memory"
	"deskagent/internal/agent/model"
)

const defaultCollection = "dialog_memory"

// Options configures the Mongo-backed dialog memory store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	// ConversationID scopes the stored records, so multiple concurrent
	// conversations can share one collection.
	ConversationID string
	Timeout        time.Duration
}

// Store implements memory.Store over a Mongo collection, appending each
// record with $push and reading the whole document back for Load/Recent.
type Store struct {
	coll    *mongodriver.Collection
	convoID string
	timeout time.Duration
}

type recordDocument struct {
	Time     time.Time `bson:"time"`
	Question string    `bson:"question"`
	Response string    `bson:"response"`
}

type conversationDocument struct {
	ConversationID string           `bson:"conversation_id"`
	Records        []recordDocument `bson:"records"`
}

// New builds a Mongo-backed dialog memory store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, model.NewError(model.ErrorKindConfig, "memory-mongo", "mongo client is required", false, nil)
	}
	if opts.Database == "" {
		return nil, model.NewError(model.ErrorKindConfig, "memory-mongo", "database name is required", false, nil)
	}
	if opts.ConversationID == "" {
		return nil, model.NewError(model.ErrorKindConfig, "memory-mongo", "conversation id is required", false, nil)
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	return &Store{coll: coll, convoID: opts.ConversationID, timeout: timeout}, nil
}

// Load returns every remembered record, oldest first.
func (s *Store) Load(ctx context.Context) ([]memory.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc conversationDocument
	err := s.coll.FindOne(ctx, bson.M{"conversation_id": s.convoID}).Decode(&doc)
	if err != nil {
		if err == mongodriver.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	records := make([]memory.Record, len(doc.Records))
	for i, r := range doc.Records {
		records[i] = memory.Record{Time: r.Time, Question: r.Question, Response: r.Response}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Time.Before(records[j].Time) })
	return records, nil
}

// Append adds one question/response pair to the conversation document,
// creating it on first use.
func (s *Store) Append(ctx context.Context, question, response string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	doc := recordDocument{Time: time.Now().UTC(), Question: question, Response: response}
	filter := bson.M{"conversation_id": s.convoID}
	update := bson.M{
		"$setOnInsert": bson.M{"conversation_id": s.convoID},
		"$push":        bson.M{"records": doc},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Clear removes the conversation's stored records.
func (s *Store) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"conversation_id": s.convoID})
	if err == mongodriver.ErrNoDocuments {
		return nil
	}
	return err
}

// Recent returns records within window of now, oldest first.
func (s *Store) Recent(ctx context.Context, window time.Duration) ([]memory.Record, error) {
	if window <= 0 {
		window = memory.DefaultWindow
	}
	records, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-window)
	result := make([]memory.Record, 0, len(records))
	for _, r := range records {
		if !r.Time.Before(cutoff) {
			result = append(result, r)
		}
	}
	return result, nil
}
