// Package mongo wires the ledger.Store interface to MongoDB, offering the
// same record/summary contract as the file-backed default behind a durable
// collection, mirroring the split goa-ai's memory feature draws between
// contract and storage backend.
package mongo

import (
	"context"
	"math"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"deskagent/internal/agent/ledger"
	"deskagent/internal/agent/model"
)

const defaultCollection = "token_ledger"

// Options configures the Mongo-backed ledger store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Rates      ledger.Rates
	Timeout    time.Duration
}

// Store implements ledger.Store with calendar buckets stored as documents
// keyed by scope ("total", "day:2026-07-30", "month:2026-07", "year:2026")
// and session buckets kept in memory only, matching spec.md §4.2's rule
// that sessions never persist.
type Store struct {
	coll     *mongodriver.Collection
	rates    ledger.Rates
	timeout  time.Duration
	mu       sync.Mutex
	sessions map[string]*ledger.Bucket
	active   string
}

type bucketDocument struct {
	Key           string  `bson:"_id"`
	Calls         int64   `bson:"calls"`
	InputCached   int64   `bson:"input_cached"`
	InputUncached int64   `bson:"input_uncached"`
	Output        int64   `bson:"output"`
	Cost          float64 `bson:"cost"`
}

// New builds a Mongo-backed ledger store over a handle to its collection; it
// does not create the collection.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, model.NewError(model.ErrorKindConfig, "ledger-mongo", "mongo client is required", false, nil)
	}
	if opts.Database == "" {
		return nil, model.NewError(model.ErrorKindConfig, "ledger-mongo", "database name is required", false, nil)
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
	return &Store{
		coll:     coll,
		rates:    opts.Rates,
		timeout:  timeout,
		sessions: make(map[string]*ledger.Bucket),
	}, nil
}

// Record applies one call's usage to the total, calendar, and active
// session buckets, persisting the calendar buckets via upsert.
func (s *Store) Record(ctx context.Context, usage model.Usage, now time.Time) {
	cached := clamp(int64(usage.CachedTokens))
	prompt := clamp(int64(usage.PromptTokens))
	if cached > prompt {
		cached = prompt
	}
	uncached := prompt - cached
	out := clamp(int64(usage.CompletionTokens))

	cost := round8(
		float64(cached)*s.rates.Cached/1_000_000 +
			float64(uncached)*s.rates.Uncached/1_000_000 +
			float64(out)*s.rates.Output/1_000_000,
	)

	keys := []string{
		"total",
		"day:" + now.UTC().Format("2006-01-02"),
		"month:" + now.UTC().Format("2006-01"),
		"year:" + now.UTC().Format("2006"),
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for _, key := range keys {
		s.upsertBucket(ctx, key, cached, uncached, out, cost)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		session, ok := s.sessions[s.active]
		if !ok {
			session = &ledger.Bucket{}
			s.sessions[s.active] = session
		}
		session.Calls++
		session.InputCached += cached
		session.InputUncached += uncached
		session.Output += out
		session.Cost = round8(session.Cost + cost)
	}
}

func (s *Store) upsertBucket(ctx context.Context, key string, cached, uncached, out int64, cost float64) {
	filter := bson.M{"_id": key}
	update := bson.M{
		"$inc": bson.M{
			"calls":          int64(1),
			"input_cached":   cached,
			"input_uncached": uncached,
			"output":         out,
			"cost":           cost,
		},
	}
	_, _ = s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
}

// Summary returns the bucket for the given scope, reading session buckets
// from memory and everything else from Mongo.
func (s *Store) Summary(scope ledger.Scope) ledger.Bucket {
	switch scope.Kind {
	case ledger.ScopeSession:
		s.mu.Lock()
		defer s.mu.Unlock()
		if b, ok := s.sessions[scope.Key]; ok {
			return *b
		}
		return ledger.Bucket{}
	case ledger.ScopeTotal:
		return s.loadBucket("total")
	case ledger.ScopeDay:
		return s.loadBucket("day:" + scope.Key)
	case ledger.ScopeMonth:
		return s.loadBucket("month:" + scope.Key)
	case ledger.ScopeYear:
		return s.loadBucket("year:" + scope.Key)
	case ledger.ScopeRange:
		return s.loadRange(scope.Start, scope.End)
	default:
		return ledger.Bucket{}
	}
}

func (s *Store) loadBucket(key string) ledger.Bucket {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	var doc bucketDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		return ledger.Bucket{}
	}
	return ledger.Bucket{
		Calls:         doc.Calls,
		InputCached:   doc.InputCached,
		InputUncached: doc.InputUncached,
		Output:        doc.Output,
		Cost:          doc.Cost,
	}
}

func (s *Store) loadRange(start, end string) ledger.Bucket {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	filter := bson.M{"_id": bson.M{
		"$gte": "day:" + start,
		"$lte": "day:" + end,
	}}
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return ledger.Bucket{}
	}
	defer cursor.Close(ctx)
	var total ledger.Bucket
	for cursor.Next(ctx) {
		var doc bucketDocument
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		total.Calls += doc.Calls
		total.InputCached += doc.InputCached
		total.InputUncached += doc.InputUncached
		total.Output += doc.Output
		total.Cost = round8(total.Cost + doc.Cost)
	}
	return total
}

// StartSession creates (or resets) an in-memory bucket for id.
func (s *Store) StartSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &ledger.Bucket{}
}

// SetActive marks id as the session Record credits. Pass "" to stop.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func round8(v float64) float64 {
	const scale = 1e8
	return math.Round(v*scale) / scale
}
