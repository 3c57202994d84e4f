package paginate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex/internal/progress"
)

type row struct {
	ID string
}

func rowKey(r row) string { return r.ID }

func rows(from, n int) []row {
	out := make([]row, n)
	for i := range out {
		out[i] = row{ID: fmt.Sprintf("r%d", from+i)}
	}
	return out
}

func TestShortFinalPageStopsAfterOneIteration(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		calls++
		return Page[row]{Items: rows(0, 40), Done: true}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{PageSize: 100}, rowKey)

	require.NoError(t, res.Err)
	assert.Len(t, res.Items, 40)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StopEndOfData, res.Reason)
}

func TestShortPageWithoutDoneFlag(t *testing.T) {
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		if cur.Iteration == 1 {
			return Page[row]{Items: rows(0, 100)}, nil
		}
		return Page[row]{Items: rows(100, 17)}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{PageSize: 100}, rowKey)

	assert.Len(t, res.Items, 117)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, StopEndOfData, res.Reason)
}

func TestStagnantScrollStops(t *testing.T) {
	fetch := func(context.Context, Cursor) (Page[row], error) {
		return Page[row]{Items: rows(0, 10)}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{StagnantLimit: 3}, rowKey)

	assert.Len(t, res.Items, 10)
	assert.Equal(t, 4, res.Iterations) // one admitting iteration, then three stagnant
	assert.Equal(t, StopStagnant, res.Reason)
}

func TestHardCapAlwaysEnforced(t *testing.T) {
	calls := 0
	// never signals the end and always yields new items
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		calls++
		return Page[row]{Items: rows(cur.Iteration*10, 10)}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{MaxIterations: 7}, rowKey)

	assert.Equal(t, 7, calls)
	assert.Equal(t, 7, res.Iterations)
	assert.Len(t, res.Items, 70)
	assert.Equal(t, StopSafetyCap, res.Reason)
	assert.NoError(t, res.Err)
}

func TestDefaultHardCap(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		calls++
		return Page[row]{Items: rows(cur.Iteration, 1)}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{}, rowKey)

	assert.Equal(t, DefaultMaxIterations, calls)
	assert.Equal(t, StopSafetyCap, res.Reason)
}

func TestItemCeiling(t *testing.T) {
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		return Page[row]{Items: rows(cur.Count, 30)}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{MaxItems: 50}, rowKey)

	assert.Len(t, res.Items, 50)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, StopItemCeiling, res.Reason)
}

func TestDedupAcrossOverlappingPages(t *testing.T) {
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		// sliding window: each page repeats half of the previous one
		start := (cur.Iteration - 1) * 5
		return Page[row]{Items: rows(start, 10), Done: cur.Iteration == 4}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{}, rowKey)

	seen := map[string]bool{}
	for _, r := range res.Items {
		assert.False(t, seen[r.ID], "duplicate key %s", r.ID)
		seen[r.ID] = true
	}
	assert.Len(t, res.Items, 25)
}

func TestEmptyFirstPageIsCleanStop(t *testing.T) {
	fetch := func(context.Context, Cursor) (Page[row], error) {
		return Page[row]{}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{StagnantLimit: 3}, rowKey)

	assert.NoError(t, res.Err)
	assert.Empty(t, res.Items)
	assert.NotNil(t, res.Items)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, StopEndOfData, res.Reason)
}

func TestFetchErrorKeepsPartialItems(t *testing.T) {
	boom := errors.New("all extraction strategies failed")
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		if cur.Iteration == 3 {
			return Page[row]{}, boom
		}
		return Page[row]{Items: rows(cur.Iteration*10, 10)}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{}, rowKey)

	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, StopFetchFailed, res.Reason)
	assert.Len(t, res.Items, 20)
}

func TestCursorCarriesToken(t *testing.T) {
	var tokens []string
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		tokens = append(tokens, cur.Token)
		return Page[row]{
			Items: rows(cur.Iteration*10, 10),
			Next:  fmt.Sprintf("after-%d", cur.Iteration),
			Done:  cur.Iteration == 3,
		}, nil
	}

	Collect(context.Background(), fetch, StopPolicy{}, rowKey)

	assert.Equal(t, []string{"", "after-1", "after-2"}, tokens)
}

func TestRerunIsDeterministic(t *testing.T) {
	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		return Page[row]{Items: rows((cur.Iteration-1)*3, 6), Done: cur.Iteration == 5}, nil
	}

	first := Collect(context.Background(), fetch, StopPolicy{}, rowKey)
	second := Collect(context.Background(), fetch, StopPolicy{}, rowKey)

	assert.Equal(t, first.Items, second.Items)
}

func TestProgressAfterEveryIteration(t *testing.T) {
	var updates []progress.Update
	reporter := progress.ReporterFunc(func(u progress.Update) { updates = append(updates, u) })
	phase := progress.Phase{Step: 2, Total: 3, Label: "Posts"}

	fetch := func(_ context.Context, cur Cursor) (Page[row], error) {
		return Page[row]{Items: rows(0, cur.Iteration*4)}, nil
	}

	res := Collect(context.Background(), fetch, StopPolicy{StagnantLimit: 1, MaxIterations: 10}, rowKey,
		WithProgress(reporter, phase, "posts"))

	require.Len(t, updates, res.Iterations)
	last := -1
	for _, u := range updates {
		require.NoError(t, u.Validate())
		assert.Equal(t, phase, u.Phase)
		require.NotNil(t, u.Count)
		assert.GreaterOrEqual(t, *u.Count, last)
		last = *u.Count
	}
	assert.Equal(t, len(res.Items), last)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Collect(ctx, func(context.Context, Cursor) (Page[row], error) {
		t.Fatal("fetch must not run")
		return Page[row]{}, nil
	}, StopPolicy{}, rowKey)

	assert.Equal(t, StopCanceled, res.Reason)
	assert.ErrorIs(t, res.Err, context.Canceled)
}
