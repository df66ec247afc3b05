package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/datastore"
	"github.com/brainless/datastorer/internal/fetch"
	"github.com/brainless/datastorer/internal/ingesterr"
	"github.com/brainless/datastorer/internal/jobs"
	"github.com/brainless/datastorer/internal/log"
)

// TaskName is the name the upload handler is registered under.
const TaskName = "datastorer.upload"

const (
	statusEntityType = "resource"
	statusTaskType   = "datastorer"
	statusKey        = "task_id"
)

// TaskContext is the serialized context submitted with every upload task.
type TaskContext struct {
	SiteURL       string `json:"site_url"`
	APIKey        string `json:"apikey"`
	Username      string `json:"username"`
	DatastoreURL  string `json:"datastore_url,omitempty"`
	SampleSize    int    `json:"sample_size,omitempty"`
	CheckModified bool   `json:"check_modified,omitempty"`
}

// StoreFactory returns the datastore a task writes to.
type StoreFactory func(tc TaskContext) (datastore.Store, error)

// Factory assembles a pipeline for each task context.
type Factory struct {
	Settings     Settings
	FetchTimeout time.Duration
	// TempDir holds downloads; empty means the system default.
	TempDir  string
	NewStore StoreFactory
}

// Build returns a pipeline talking to the catalog and datastore named in
// tc, along with the catalog client used for status updates.
func (f *Factory) Build(tc TaskContext) (*Pipeline, *catalog.Client, error) {
	if tc.SiteURL == "" {
		return nil, nil, fmt.Errorf("task context has no site_url")
	}
	store, err := f.NewStore(tc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create datastore client: %w", err)
	}

	client := catalog.NewClient(tc.SiteURL, tc.APIKey)
	fetcher := fetch.NewFetcher(tc.SiteURL, f.FetchTimeout, client)
	if f.TempDir != "" {
		fetcher.SetTempDir(f.TempDir)
	}

	settings := f.Settings
	if tc.SampleSize > 0 {
		settings.SampleSize = tc.SampleSize
	}
	return New(fetcher, client, store, settings), client, nil
}

// NewUploadHandler returns the task handler for TaskName. Failures are
// recorded as task statuses and then returned so the manager can retry.
// An attempt cancelled by shutdown or CancelJob is not recorded; the
// manager requeues or cancels the job itself.
func NewUploadHandler(factory *Factory, tracker *jobs.StatusTracker) jobs.HandlerFunc {
	return func(ctx context.Context, task jobs.Task, progress jobs.ProgressCallback) error {
		var res catalog.Resource
		if err := json.Unmarshal(task.Payload, &res); err != nil {
			return ingesterr.Wrap(ingesterr.ParseError, err, "Invalid resource payload")
		}

		var tc TaskContext
		if err := json.Unmarshal(task.Context, &tc); err != nil {
			err = ingesterr.Wrap(ingesterr.ParseError, err, "Invalid task context")
			recordFailure(tracker, nil, task.ID, res.ID, err)
			return err
		}

		p, client, err := factory.Build(tc)
		if err != nil {
			recordFailure(tracker, nil, task.ID, res.ID, err)
			return err
		}
		if task.Attempt > 0 {
			refreshResource(ctx, client, &res)
		}

		_, err = p.Run(ctx, &res, tc.CheckModified, func(loaded int) {
			if progress != nil {
				progress(jobs.JobProgress{
					Current: int64(loaded),
					Message: fmt.Sprintf("Loaded %d records", loaded),
				})
			}
		})
		if err != nil {
			if !errors.Is(ctx.Err(), context.Canceled) {
				recordFailure(tracker, client, task.ID, res.ID, err)
			}
			return err
		}
		return nil
	}
}

// refreshResource replaces the queued copy of res with the catalog's
// current one, which carries metadata written by earlier attempts.
func refreshResource(ctx context.Context, client *catalog.Client, res *catalog.Resource) {
	fresh, err := client.ResourceShow(ctx, res.ID)
	if err != nil {
		log.WithResource(res.ID).Warnf("Could not refresh resource, using the queued copy: %v", err)
		return
	}
	if fresh.ID == res.ID {
		*res = *fresh
	}
}

// recordFailure stores the failure against the resource. It runs on its own
// context so that a cancelled job still gets its status written.
func recordFailure(tracker *jobs.StatusTracker, writer catalog.TaskStatusWriter, jobID, resourceID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status := catalog.TaskStatus{
		EntityID:    resourceID,
		EntityType:  statusEntityType,
		TaskType:    statusTaskType,
		Key:         statusKey,
		Value:       jobID,
		Error:       fmt.Sprintf("%s: %v", ingesterr.ClassName(cause), cause),
		LastUpdated: catalog.Timestamp(time.Now()),
	}
	if err := tracker.Update(ctx, writer, status); err != nil {
		log.WithResource(resourceID).Errorf("Failed to record task status: %v", err)
	}
}

// QueuedStatus is the status recorded when a task is queued.
func QueuedStatus(jobID, resourceID string, now time.Time) catalog.TaskStatus {
	return catalog.TaskStatus{
		EntityID:    resourceID,
		EntityType:  statusEntityType,
		TaskType:    statusTaskType,
		Key:         statusKey,
		Value:       jobID,
		LastUpdated: catalog.Timestamp(now),
	}
}
