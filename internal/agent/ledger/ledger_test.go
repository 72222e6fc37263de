package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/telemetry"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token_usage.json")
	l, err := New(Options{
		Path:   path,
		Rates:  Rates{Cached: 0.3, Uncached: 3, Output: 15},
		Logger: telemetry.NewNoopLogger(),
	})
	require.NoError(t, err)
	return l
}

func TestLedger_RecordAccumulatesTotalAndCalendarBuckets(t *testing.T) {
	l := newTestLedger(t)
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	l.Record(context.Background(), model.Usage{PromptTokens: 1000, CachedTokens: 400, CompletionTokens: 200}, now)
	l.Record(context.Background(), model.Usage{PromptTokens: 500, CachedTokens: 100, CompletionTokens: 50}, now)

	total := l.Summary(Scope{Kind: ScopeTotal})
	require.EqualValues(t, 2, total.Calls)
	require.EqualValues(t, 500, total.InputCached)
	require.EqualValues(t, 1000, total.InputUncached)
	require.EqualValues(t, 250, total.Output)

	day := l.Summary(Scope{Kind: ScopeDay, Key: "2026-07-30"})
	require.Equal(t, total, day)

	month := l.Summary(Scope{Kind: ScopeMonth, Key: "2026-07"})
	require.Equal(t, total, month)

	year := l.Summary(Scope{Kind: ScopeYear, Key: "2026"})
	require.Equal(t, total, year)
}

func TestLedger_SessionBucketOnlyCreditsActiveSession(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now().UTC()

	l.StartSession("s1")
	l.SetActive("s1")
	l.Record(context.Background(), model.Usage{PromptTokens: 100, CompletionTokens: 10}, now)

	l.StartSession("s2")
	l.SetActive("s2")
	l.Record(context.Background(), model.Usage{PromptTokens: 50, CompletionTokens: 5}, now)

	s1 := l.Summary(Scope{Kind: ScopeSession, Key: "s1"})
	require.EqualValues(t, 1, s1.Calls)
	require.EqualValues(t, 100, s1.InputUncached)

	s2 := l.Summary(Scope{Kind: ScopeSession, Key: "s2"})
	require.EqualValues(t, 1, s2.Calls)
	require.EqualValues(t, 50, s2.InputUncached)

	// Total is credited regardless of which session was active.
	total := l.Summary(Scope{Kind: ScopeTotal})
	require.EqualValues(t, 2, total.Calls)
}

func TestLedger_UnknownScopeReturnsZeroBucket(t *testing.T) {
	l := newTestLedger(t)
	require.Equal(t, Bucket{}, l.Summary(Scope{Kind: ScopeDay, Key: "1999-01-01"}))
	require.Equal(t, Bucket{}, l.Summary(Scope{Kind: ScopeSession, Key: "never-started"}))
}

func TestLedger_RangeScopeSumsDayBucketsInclusive(t *testing.T) {
	l := newTestLedger(t)
	d1 := time.Date(2026, 7, 28, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	d3 := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	l.Record(context.Background(), model.Usage{PromptTokens: 10, CompletionTokens: 1}, d1)
	l.Record(context.Background(), model.Usage{PromptTokens: 20, CompletionTokens: 2}, d2)
	l.Record(context.Background(), model.Usage{PromptTokens: 40, CompletionTokens: 4}, d3)

	ranged := l.Summary(Scope{Kind: ScopeRange, Start: "2026-07-28", End: "2026-07-29"})
	require.EqualValues(t, 2, ranged.Calls)
	require.EqualValues(t, 30, ranged.InputUncached)
	require.EqualValues(t, 3, ranged.Output)
}

func TestLedger_StatePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token_usage.json")
	rates := Rates{Cached: 0.3, Uncached: 3, Output: 15}

	l1, err := New(Options{Path: path, Rates: rates, Logger: telemetry.NewNoopLogger()})
	require.NoError(t, err)
	l1.Record(context.Background(), model.Usage{PromptTokens: 1000, CompletionTokens: 100}, time.Now().UTC())

	l2, err := New(Options{Path: path, Rates: rates, Logger: telemetry.NewNoopLogger()})
	require.NoError(t, err)
	total := l2.Summary(Scope{Kind: ScopeTotal})
	require.EqualValues(t, 1, total.Calls)
	require.EqualValues(t, 1000, total.InputUncached)

	// Sessions never persist, even across the same file.
	require.Equal(t, Bucket{}, l2.Summary(Scope{Kind: ScopeSession, Key: "anything"}))
}

func TestLedger_CachedNeverExceedsPrompt(t *testing.T) {
	l := newTestLedger(t)
	// A provider reporting more cached than prompt tokens is clamped rather
	// than producing a negative uncached count.
	l.Record(context.Background(), model.Usage{PromptTokens: 100, CachedTokens: 500, CompletionTokens: 10}, time.Now().UTC())
	total := l.Summary(Scope{Kind: ScopeTotal})
	require.EqualValues(t, 100, total.InputCached)
	require.EqualValues(t, 0, total.InputUncached)
}
