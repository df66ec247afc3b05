package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/datastorer/internal/catalog"
)

func newTestPersistence(t *testing.T) *JobPersistence {
	t.Helper()
	persistence, err := NewJobPersistence(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { persistence.Close() })
	return persistence
}

func TestJobPersistence_SaveAndLoad(t *testing.T) {
	persistence := newTestPersistence(t)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next := created.Add(time.Hour)
	status := &JobStatus{
		ID:           "job-1",
		Type:         "datastorer.upload",
		State:        JobStateQueued,
		EntityID:     "res-1",
		Description:  "datastorer.upload res-1",
		Progress:     JobProgress{Current: 5, Total: 10, Message: "loading"},
		CreatedAt:    created,
		NextRunAt:    &next,
		ErrorMessage: "Connection timed out",
		RetryCount:   1,
		MaxRetries:   168,
		Context:      json.RawMessage(`{"site_url":"http://catalog"}`),
		Payload:      json.RawMessage(`{"id":"res-1"}`),
	}
	require.NoError(t, persistence.SaveJob(status))

	loaded, err := persistence.LoadJob("job-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, JobStateQueued, loaded.State)
	assert.Equal(t, "res-1", loaded.EntityID)
	assert.True(t, created.Equal(loaded.CreatedAt))
	require.NotNil(t, loaded.NextRunAt)
	assert.True(t, next.Equal(*loaded.NextRunAt))
	assert.Nil(t, loaded.StartTime)
	assert.Equal(t, int64(5), loaded.Progress.Current)
	assert.Equal(t, "loading", loaded.Progress.Message)
	assert.Equal(t, 1, loaded.RetryCount)
	assert.JSONEq(t, `{"site_url":"http://catalog"}`, string(loaded.Context))
	assert.JSONEq(t, `{"id":"res-1"}`, string(loaded.Payload))

	missing, err := persistence.LoadJob("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestJobPersistence_ListJobs(t *testing.T) {
	persistence := newTestPersistence(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fixtures := []struct {
		id, jobType, entity string
		state               JobState
	}{
		{"a", "upload", "res-1", JobStateCompleted},
		{"b", "upload", "res-2", JobStateFailed},
		{"c", "other", "res-1", JobStateQueued},
	}
	for i, f := range fixtures {
		require.NoError(t, persistence.SaveJob(&JobStatus{
			ID:        f.id,
			Type:      f.jobType,
			State:     f.state,
			EntityID:  f.entity,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	ids := func(jobs []*JobStatus) []string {
		var out []string
		for _, j := range jobs {
			out = append(out, j.ID)
		}
		return out
	}

	all, err := persistence.ListJobs(JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	finished, err := persistence.ListJobs(JobFilter{States: []JobState{JobStateCompleted, JobStateFailed}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(finished))

	byEntity, err := persistence.ListJobs(JobFilter{EntityID: "res-1", Types: []string{"upload"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(byEntity))

	limited, err := persistence.ListJobs(JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(limited))

	cutoff := base.Add(30 * time.Second)
	old, err := persistence.ListJobs(JobFilter{CreatedBefore: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(old))
}

func TestJobPersistence_ReplaceKeepsEvents(t *testing.T) {
	persistence := newTestPersistence(t)

	status := &JobStatus{ID: "job-1", Type: "upload", State: JobStateQueued, CreatedAt: time.Now()}
	require.NoError(t, persistence.SaveJob(status))
	require.NoError(t, persistence.SaveEvent(JobEvent{
		JobID:     "job-1",
		EventType: EventJobSubmitted,
		Timestamp: time.Now(),
		Message:   "submitted",
	}))

	status.State = JobStateRunning
	require.NoError(t, persistence.SaveJob(status))
	require.NoError(t, persistence.SaveEvent(JobEvent{
		JobID:     "job-1",
		EventType: EventJobFailed,
		Timestamp: time.Now(),
		Message:   "failed",
		Data:      map[string]any{"error": "boom"},
	}))

	events, err := persistence.LoadEvents("job-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventJobSubmitted, events[0].EventType)
	assert.Equal(t, "boom", events[1].Data["error"])

	require.NoError(t, persistence.DeleteJob("job-1"))
	events, err = persistence.LoadEvents("job-1")
	require.NoError(t, err)
	assert.Empty(t, events)
	loaded, err := persistence.LoadJob("job-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestJobPersistence_TaskStatus(t *testing.T) {
	persistence := newTestPersistence(t)

	status := catalog.TaskStatus{
		EntityID:    "res-1",
		EntityType:  "resource",
		TaskType:    "datastorer",
		Key:         "task_id",
		Value:       "job-1",
		Error:       "TooLarge: Content-length 60000000 exceeds maximum allowed value 50000000",
		LastUpdated: "2024-03-01T12:00:00",
	}
	require.NoError(t, persistence.SaveTaskStatus(status))

	status.Value = "job-2"
	require.NoError(t, persistence.SaveTaskStatus(status))

	loaded, err := persistence.LoadTaskStatus("res-1", "datastorer", "task_id")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, status, *loaded)

	missing, err := persistence.LoadTaskStatus("res-2", "datastorer", "task_id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
