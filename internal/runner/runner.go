// Package runner drives bulk ingestion over every resource of one dataset or
// of the whole catalog.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/datastore"
	"github.com/brainless/datastorer/internal/jobs"
	"github.com/brainless/datastorer/internal/log"
	"github.com/brainless/datastorer/internal/pipeline"
)

// ErrDatasetNotFound is returned when the requested dataset does not exist.
var ErrDatasetNotFound = errors.New("dataset not found")

const packagePageSize = 100

// Catalog lists the datasets to process.
type Catalog interface {
	PackageShow(ctx context.Context, id string) (*catalog.Package, error)
	AllPackages(ctx context.Context, pageSize int) ([]catalog.Package, error)
}

// Ingester runs the pipeline for one resource.
type Ingester interface {
	Run(ctx context.Context, res *catalog.Resource, checkModified bool, progress datastore.ProgressFunc) (*pipeline.Outcome, error)
}

// Submitter queues upload tasks.
type Submitter interface {
	SubmitTask(name string, contextJSON, payloadJSON []byte) (string, error)
}

// Target is a resource together with the dataset it belongs to.
type Target struct {
	Package  string
	Resource catalog.Resource
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Package, t.Resource.ID)
}

// Failure is a resource that could not be processed.
type Failure struct {
	Target Target
	Err    error
}

// Summary collects the result of a bulk run.
type Summary struct {
	Processed int
	Loaded    int
	Skipped   int
	Queued    int
	Ignored   int
	Failures  []Failure
}

// Report writes a human readable summary, listing every failure.
func (s *Summary) Report(w io.Writer) {
	fmt.Fprintf(w, "Processed %d resources: %d loaded, %d unchanged, %d queued, %d failed (%d ignored by format)\n",
		s.Processed, s.Loaded, s.Skipped, s.Queued, len(s.Failures), s.Ignored)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  - %s (%s): %v\n", f.Target, f.Target.Resource.URL, f.Err)
	}
}

// Runner enumerates catalog resources and hands them to the pipeline or the
// task queue.
type Runner struct {
	catalog     Catalog
	dataFormats []string
	now         func() time.Time
}

// New creates a runner. Resources whose format and mimetype are both outside
// dataFormats are ignored.
func New(c Catalog, dataFormats []string) *Runner {
	return &Runner{catalog: c, dataFormats: dataFormats, now: time.Now}
}

// Targets returns the eligible resources of datasetID, or of every dataset
// when datasetID is empty.
func (r *Runner) Targets(ctx context.Context, datasetID string) ([]Target, int, error) {
	var packages []catalog.Package
	if datasetID != "" {
		pkg, err := r.catalog.PackageShow(ctx, datasetID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, 0, fmt.Errorf("%w: %s", ErrDatasetNotFound, datasetID)
			}
			return nil, 0, fmt.Errorf("failed to load dataset %s: %w", datasetID, err)
		}
		packages = []catalog.Package{*pkg}
	} else {
		all, err := r.catalog.AllPackages(ctx, packagePageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list datasets: %w", err)
		}
		packages = all
	}

	var targets []Target
	ignored := 0
	for _, pkg := range packages {
		name := pkg.Name
		if name == "" {
			name = pkg.ID
		}
		for _, res := range pkg.Resources {
			if !r.eligible(res) {
				log.WithResource(res.ID).Debugf("Ignoring resource with format %q and mimetype %q", res.Format, res.Mimetype)
				ignored++
				continue
			}
			targets = append(targets, Target{Package: name, Resource: res})
		}
	}
	return targets, ignored, nil
}

// Ingest runs the pipeline for every eligible resource in turn. Failures
// are collected rather than aborting the run.
func (r *Runner) Ingest(ctx context.Context, datasetID string, ingester Ingester, checkModified bool) (*Summary, error) {
	targets, ignored, err := r.Targets(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Ignored: ignored}
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Processed++

		log.WithResource(target.Resource.ID).Infof("Storing resource %s from dataset %s", target.Resource.URL, target.Package)
		res := target.Resource
		outcome, err := ingester.Run(ctx, &res, checkModified, nil)
		if err != nil {
			log.WithResource(res.ID).Errorf("Ingestion failed: %v", err)
			summary.Failures = append(summary.Failures, Failure{Target: target, Err: err})
			continue
		}
		if outcome.Skipped {
			summary.Skipped++
		} else {
			summary.Loaded++
		}
	}
	return summary, nil
}

// Queue submits an upload task for every eligible resource and records the
// queued task against the resource.
func (r *Runner) Queue(ctx context.Context, datasetID string, submitter Submitter, tracker *jobs.StatusTracker, writer catalog.TaskStatusWriter, tc pipeline.TaskContext) (*Summary, error) {
	targets, ignored, err := r.Targets(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	contextJSON, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task context: %w", err)
	}

	summary := &Summary{Ignored: ignored}
	for _, target := range targets {
		summary.Processed++

		payload, err := json.Marshal(target.Resource)
		if err != nil {
			summary.Failures = append(summary.Failures, Failure{Target: target, Err: err})
			continue
		}
		jobID, err := submitter.SubmitTask(pipeline.TaskName, contextJSON, payload)
		if err != nil {
			summary.Failures = append(summary.Failures, Failure{Target: target, Err: err})
			continue
		}
		summary.Queued++

		status := pipeline.QueuedStatus(jobID, target.Resource.ID, r.now())
		if err := tracker.Update(ctx, writer, status); err != nil {
			log.WithResource(target.Resource.ID).Warnf("Failed to record queued task %s: %v", jobID, err)
		}
		log.WithResource(target.Resource.ID).Infof("Queued job %s for resource %s", jobID, target.Resource.URL)
	}
	return summary, nil
}

func (r *Runner) eligible(res catalog.Resource) bool {
	format := strings.ToLower(res.Format)
	mimetype := strings.ToLower(res.Mimetype)
	if format == "" && mimetype == "" {
		return true
	}
	for _, f := range r.dataFormats {
		f = strings.ToLower(f)
		if f == "all" || (format != "" && f == format) || (mimetype != "" && f == mimetype) {
			return true
		}
	}
	return false
}
