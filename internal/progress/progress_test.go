package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	updates []Update
}

func (r *recorder) Report(u Update) { r.updates = append(r.updates, u) }

func TestTrackerKeepsCountMonotonic(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec)
	phase := Phase{Step: 1, Total: 2, Label: "Posts"}

	for _, n := range []int{3, 7, 5, 9} {
		tr.Report(Update{Phase: phase, Count: Count(n)})
	}

	require.Len(t, rec.updates, 4)
	var got []int
	for _, u := range rec.updates {
		got = append(got, *u.Count)
	}
	assert.Equal(t, []int{3, 7, 7, 9}, got)
}

func TestTrackerResetsOnNewLabel(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec)

	tr.Report(Update{Phase: Phase{Step: 1, Total: 2, Label: "Posts"}, Count: Count(40)})
	tr.Report(Update{Phase: Phase{Step: 2, Total: 2, Label: "Watchlist"}, Count: Count(2)})

	assert.Equal(t, 2, *rec.updates[1].Count)
}

func TestTrackerResetsOnNewStepWithSameLabel(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec)

	tr.Report(Update{Phase: Phase{Step: 1, Total: 2, Label: "pages"}, Count: Count(40)})
	tr.Report(Update{Phase: Phase{Step: 2, Total: 2, Label: "pages"}, Count: Count(3)})
	tr.Report(Update{Phase: Phase{Step: 2, Total: 2, Label: "pages"}, Count: Count(1)})

	require.Len(t, rec.updates, 3)
	assert.Equal(t, 3, *rec.updates[1].Count)
	assert.Equal(t, 3, *rec.updates[2].Count)
}

func TestTrackerClampsSteps(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec)

	tr.Report(Update{Phase: Phase{Step: 0, Total: 0, Label: "x"}})
	tr.Report(Update{Phase: Phase{Step: 5, Total: 3, Label: "x"}})

	for _, u := range rec.updates {
		assert.NoError(t, u.Validate())
	}
	assert.Equal(t, 3, rec.updates[1].Phase.Step)
}

func TestUpdateValidate(t *testing.T) {
	assert.Error(t, Update{Phase: Phase{Step: 0, Total: 1}}.Validate())
	assert.Error(t, Update{Phase: Phase{Step: 2, Total: 1}}.Validate())
	assert.NoError(t, Update{Phase: Phase{Step: 1, Total: 1}}.Validate())
}
