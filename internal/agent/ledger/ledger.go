// Package ledger tracks LLM token usage and derived cost across calendar
// buckets and ad-hoc sessions, persisting calendar totals to a single JSON
// file with an atomic write-then-rename so a crash mid-write never corrupts
// the on-disk state.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deskagent/internal/agent/telemetry"
	"deskagent/internal/agent/model"
)

// Rates gives the per-million-token prices used to compute cost. All three
// are configuration, not constants, since providers and plans vary.
type Rates struct {
	Cached   float64
	Uncached float64
	Output   float64
}

// Bucket accumulates calls and token counts for one scope (total, a
// calendar period, or a session).
type Bucket struct {
	Calls         int64   `json:"calls"`
	InputCached   int64   `json:"input_cached"`
	InputUncached int64   `json:"input_uncached"`
	Output        int64   `json:"output"`
	Cost          float64 `json:"cost"`
}

func (b *Bucket) add(cached, uncached, out int64, cost float64) {
	b.Calls++
	b.InputCached += cached
	b.InputUncached += uncached
	b.Output += out
	b.Cost = round8(b.Cost + cost)
}

// Scope selects which bucket(s) Summary reports.
type Scope struct {
	// Kind is one of "total", "day", "month", "year", "range", "session".
	Kind string
	// Key is the bucket key for "day"/"month"/"year"/"session" kinds
	// (e.g. "2026-07-30", "2026-07", "2026", a session id).
	Key string
	// Start and End bound a "range" scope (inclusive, by day key).
	Start, End string
}

const (
	ScopeTotal   = "total"
	ScopeDay     = "day"
	ScopeMonth   = "month"
	ScopeYear    = "year"
	ScopeRange   = "range"
	ScopeSession = "session"
)

// persisted is the JSON shape written to disk. Sessions are intentionally
// excluded: spec.md keeps session buckets in memory only.
type persisted struct {
	Total  Bucket            `json:"total"`
	Days   map[string]Bucket `json:"days"`
	Months map[string]Bucket `json:"months"`
	Years  map[string]Bucket `json:"years"`
}

// Store is the token-ledger contract: record a call's usage, read back a
// scoped summary, and manage session buckets. Ledger is the in-process,
// file-backed default; ledger/mongo provides a durable alternative behind
// the same interface.
type Store interface {
	Record(ctx context.Context, usage model.Usage, now time.Time)
	Summary(scope Scope) Bucket
	StartSession(id string)
	SetActive(id string)
}

// Ledger is the token-usage and cost tracker described by spec.md §4.2. It
// is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	path     string
	rates    Rates
	log      telemetry.Logger
	state    persisted
	sessions map[string]*Bucket
	active   string
}

// Options configures a Ledger.
type Options struct {
	// Path is the JSON file the ledger persists calendar buckets to.
	Path string
	// Rates gives the per-million-token prices for cost computation.
	Rates Rates
	// Logger receives a warning if a persistence write fails; when nil, New
	// uses a no-op logger.
	Logger telemetry.Logger
}

// New loads an existing ledger file at opts.Path, if any, or starts empty.
func New(opts Options) (*Ledger, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	l := &Ledger{
		path:     opts.Path,
		rates:    opts.Rates,
		log:      log,
		sessions: make(map[string]*Bucket),
		state: persisted{
			Days:   make(map[string]Bucket),
			Months: make(map[string]Bucket),
			Years:  make(map[string]Bucket),
		},
	}
	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("ledger: reading state: %w", err)
	}
	var state persisted
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("ledger: parsing state: %w", err)
	}
	if state.Days == nil {
		state.Days = make(map[string]Bucket)
	}
	if state.Months == nil {
		state.Months = make(map[string]Bucket)
	}
	if state.Years == nil {
		state.Years = make(map[string]Bucket)
	}
	l.state = state
	return l, nil
}

// StartSession creates (or resets) an in-memory bucket for id.
func (l *Ledger) StartSession(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[id] = &Bucket{}
}

// SetActive marks id as the session that Record should also credit. Pass ""
// to stop crediting any session.
func (l *Ledger) SetActive(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = id
}

// Record applies one LLM call's usage to the total, calendar, and active
// session buckets, per spec.md §4.2's algorithm, then persists the calendar
// state. A persistence failure is logged and the in-memory state is kept;
// it never fails the turn.
func (l *Ledger) Record(ctx context.Context, usage model.Usage, now time.Time) {
	cached := clamp(int64(usage.CachedTokens))
	prompt := clamp(int64(usage.PromptTokens))
	if cached > prompt {
		cached = prompt
	}
	uncached := prompt - cached
	out := clamp(int64(usage.CompletionTokens))

	cost := round8(
		float64(cached)*l.rates.Cached/1_000_000 +
			float64(uncached)*l.rates.Uncached/1_000_000 +
			float64(out)*l.rates.Output/1_000_000,
	)

	l.mu.Lock()
	l.state.Total.add(cached, uncached, out, cost)

	dayKey := now.UTC().Format("2006-01-02")
	monthKey := now.UTC().Format("2006-01")
	yearKey := now.UTC().Format("2006")

	day := l.state.Days[dayKey]
	day.add(cached, uncached, out, cost)
	l.state.Days[dayKey] = day

	month := l.state.Months[monthKey]
	month.add(cached, uncached, out, cost)
	l.state.Months[monthKey] = month

	year := l.state.Years[yearKey]
	year.add(cached, uncached, out, cost)
	l.state.Years[yearKey] = year

	if l.active != "" {
		session, ok := l.sessions[l.active]
		if !ok {
			session = &Bucket{}
			l.sessions[l.active] = session
		}
		session.add(cached, uncached, out, cost)
	}

	state := l.state
	l.mu.Unlock()

	if err := persistAtomic(l.path, state); err != nil {
		l.log.Warn(ctx, "ledger: persisting state failed, keeping in-memory usage", "error", err.Error())
	}
}

// Summary returns the bucket for the given scope. A "range" scope sums the
// day buckets between Start and End inclusive; an unknown key returns a
// zero Bucket, not an error, since a never-recorded period is legitimately
// empty.
func (l *Ledger) Summary(scope Scope) Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch scope.Kind {
	case ScopeTotal:
		return l.state.Total
	case ScopeDay:
		return l.state.Days[scope.Key]
	case ScopeMonth:
		return l.state.Months[scope.Key]
	case ScopeYear:
		return l.state.Years[scope.Key]
	case ScopeSession:
		if b, ok := l.sessions[scope.Key]; ok {
			return *b
		}
		return Bucket{}
	case ScopeRange:
		var total Bucket
		for key, bucket := range l.state.Days {
			if key >= scope.Start && key <= scope.End {
				total.Calls += bucket.Calls
				total.InputCached += bucket.InputCached
				total.InputUncached += bucket.InputUncached
				total.Output += bucket.Output
				total.Cost = round8(total.Cost + bucket.Cost)
			}
		}
		return total
	default:
		return Bucket{}
	}
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

func persistAtomic(path string, state persisted) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling ledger state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("writing temp ledger state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming ledger state: %w", err)
	}
	return nil
}
