package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/datastore"
	"github.com/brainless/datastorer/internal/ingesterr"
	"github.com/brainless/datastorer/internal/jobs"
	"github.com/brainless/datastorer/internal/pipeline"
)

type fakeCatalog struct {
	packages []catalog.Package
	statuses []catalog.TaskStatus
}

func (f *fakeCatalog) PackageShow(ctx context.Context, id string) (*catalog.Package, error) {
	for _, p := range f.packages {
		if p.ID == id || p.Name == id {
			pkg := p
			return &pkg, nil
		}
	}
	return nil, fmt.Errorf("package_show: %w", catalog.ErrNotFound)
}

func (f *fakeCatalog) AllPackages(ctx context.Context, pageSize int) ([]catalog.Package, error) {
	return f.packages, nil
}

func (f *fakeCatalog) TaskStatusUpdate(ctx context.Context, status catalog.TaskStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeIngester struct {
	results map[string]error
	skipped map[string]bool
	seen    []string
}

func (f *fakeIngester) Run(ctx context.Context, res *catalog.Resource, checkModified bool, progress datastore.ProgressFunc) (*pipeline.Outcome, error) {
	f.seen = append(f.seen, res.ID)
	if err := f.results[res.ID]; err != nil {
		return nil, err
	}
	return &pipeline.Outcome{ResourceID: res.ID, Skipped: f.skipped[res.ID], Records: 3}, nil
}

type fakeSubmitter struct {
	payloads [][]byte
	contexts [][]byte
}

func (f *fakeSubmitter) SubmitTask(name string, contextJSON, payloadJSON []byte) (string, error) {
	f.payloads = append(f.payloads, payloadJSON)
	f.contexts = append(f.contexts, contextJSON)
	return fmt.Sprintf("job-%d", len(f.payloads)), nil
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{packages: []catalog.Package{
		{ID: "p1", Name: "weather", Resources: []catalog.Resource{
			{ID: "r1", URL: "http://x/a.csv", Format: "CSV"},
			{ID: "r2", URL: "http://x/b.pdf", Format: "PDF", Mimetype: "application/pdf"},
			{ID: "r3", URL: "http://x/c.xls", Format: "xls"},
		}},
		{ID: "p2", Name: "budget", Resources: []catalog.Resource{
			{ID: "r4", URL: "http://x/d", Mimetype: "text/csv"},
			{ID: "r5", URL: "http://x/e"},
		}},
	}}
}

var testFormats = []string{"csv", "text/csv", "xls"}

func TestRunner_Targets(t *testing.T) {
	r := New(testCatalog(), testFormats)

	targets, ignored, err := r.Targets(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, ignored)
	var ids []string
	for _, target := range targets {
		ids = append(ids, target.Resource.ID)
	}
	assert.Equal(t, []string{"r1", "r3", "r4", "r5"}, ids)
	assert.Equal(t, "weather/r1", targets[0].String())

	targets, _, err = r.Targets(context.Background(), "budget")
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	_, _, err = r.Targets(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestRunner_AllFormats(t *testing.T) {
	r := New(testCatalog(), []string{"all"})
	targets, ignored, err := r.Targets(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, targets, 5)
	assert.Zero(t, ignored)
}

func TestRunner_IngestCollectsFailures(t *testing.T) {
	r := New(testCatalog(), testFormats)
	ingester := &fakeIngester{
		results: map[string]error{
			"r3": ingesterr.New(ingesterr.ParseError, "No table found in xls file"),
		},
		skipped: map[string]bool{"r4": true},
	}

	summary, err := r.Ingest(context.Background(), "", ingester, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r3", "r4", "r5"}, ingester.seen)
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 2, summary.Loaded)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "r3", summary.Failures[0].Target.Resource.ID)

	var out bytes.Buffer
	summary.Report(&out)
	assert.Contains(t, out.String(), "Processed 4 resources: 2 loaded, 1 unchanged, 0 queued, 1 failed (1 ignored by format)")
	assert.Contains(t, out.String(), "weather/r3 (http://x/c.xls): No table found in xls file")
}

func TestRunner_IngestUnknownDataset(t *testing.T) {
	r := New(testCatalog(), testFormats)
	_, err := r.Ingest(context.Background(), "nope", &fakeIngester{}, false)
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestRunner_Queue(t *testing.T) {
	cat := testCatalog()
	r := New(cat, testFormats)
	submitter := &fakeSubmitter{}

	persistence, err := jobs.NewJobPersistence(t.TempDir())
	require.NoError(t, err)
	defer persistence.Close()
	tracker := jobs.NewStatusTracker(persistence)

	tc := pipeline.TaskContext{SiteURL: "http://catalog", APIKey: "key", Username: "site"}
	summary, err := r.Queue(context.Background(), "weather", submitter, tracker, cat, tc)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Queued)
	assert.Empty(t, summary.Failures)
	require.Len(t, submitter.payloads, 2)

	var res catalog.Resource
	require.NoError(t, json.Unmarshal(submitter.payloads[0], &res))
	assert.Equal(t, "r1", res.ID)
	assert.JSONEq(t, `{"site_url": "http://catalog", "apikey": "key", "username": "site"}`, string(submitter.contexts[0]))

	require.Len(t, cat.statuses, 2)
	assert.Equal(t, "job-1", cat.statuses[0].Value)
	assert.Equal(t, "task_id", cat.statuses[0].Key)
	assert.Empty(t, cat.statuses[0].Error)

	stored, err := tracker.Get("r3", "datastorer", "task_id")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "job-2", stored.Value)
}
