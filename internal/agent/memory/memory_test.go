package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFile_AppendAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialog_memory.json")
	f := NewFile(path)
	ctx := context.Background()

	require.NoError(t, f.Append(ctx, "what is the capital of France?", "Paris."))
	require.NoError(t, f.Append(ctx, "and Germany?", "Berlin."))

	records, err := f.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "what is the capital of France?", records[0].Question)
	require.Equal(t, "Paris.", records[0].Response)
	require.Equal(t, "and Germany?", records[1].Question)
}

func TestFile_LoadOnMissingFileReturnsEmpty(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "never-written.json"))
	records, err := f.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFile_RecentFiltersByWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialog_memory.json")
	f := NewFile(path)
	ctx := context.Background()

	require.NoError(t, f.Append(ctx, "old question", "old answer"))

	records, err := f.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	records[0].Time = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, f.persist(records))

	require.NoError(t, f.Append(ctx, "new question", "new answer"))

	recent, err := f.Recent(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "new question", recent[0].Question)
}

func TestFile_ClearRemovesEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialog_memory.json")
	f := NewFile(path)
	ctx := context.Background()

	require.NoError(t, f.Append(ctx, "q", "a"))
	require.NoError(t, f.Clear(ctx))

	records, err := f.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFile_RecentOrdersOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialog_memory.json")
	f := NewFile(path)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.persist([]Record{
		{Time: now.Add(-1 * time.Minute), Question: "second", Response: "b"},
		{Time: now.Add(-2 * time.Minute), Question: "first", Response: "a"},
	}))

	recent, err := f.Recent(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "first", recent[0].Question)
	require.Equal(t, "second", recent[1].Question)
}
