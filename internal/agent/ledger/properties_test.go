package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/telemetry"
)

// TestLedgerReconciliation verifies that, after any sequence of Record calls
// each landing on its own distinct day, the total call count always equals
// the sum of every day bucket's call count (and likewise for token counts).
func TestLedgerReconciliation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("total.calls == sum(days[*].calls) and total.output == sum(days[*].output)", prop.ForAll(
		func(promptCounts []int) bool {
			path := filepath.Join(t.TempDir(), "token_usage.json")
			l, err := New(Options{Path: path, Rates: Rates{Cached: 0.3, Uncached: 3, Output: 15}, Logger: telemetry.NewNoopLogger()})
			if err != nil {
				return false
			}

			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, p := range promptCounts {
				if p < 0 {
					p = -p
				}
				day := base.AddDate(0, 0, i)
				l.Record(context.Background(), model.Usage{PromptTokens: p, CompletionTokens: p / 2}, day)
			}

			total := l.Summary(Scope{Kind: ScopeTotal})

			var sumCalls, sumUncached, sumOutput int64
			for i := range promptCounts {
				day := base.AddDate(0, 0, i)
				b := l.Summary(Scope{Kind: ScopeDay, Key: day.Format("2006-01-02")})
				sumCalls += b.Calls
				sumUncached += b.InputUncached
				sumOutput += b.Output
			}

			return total.Calls == sumCalls && total.InputUncached == sumUncached && total.Output == sumOutput
		},
		gen.SliceOfN(10, gen.IntRange(0, 10000)),
	))

	properties.TestingRun(t)
}
