// Package pipeline runs one resource ingestion: download, sniff the table,
// guess column types and load normalized rows into the datastore.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/datastore"
	"github.com/brainless/datastorer/internal/fetch"
	"github.com/brainless/datastorer/internal/infer"
	"github.com/brainless/datastorer/internal/ingesterr"
	"github.com/brainless/datastorer/internal/log"
	"github.com/brainless/datastorer/internal/metrics"
	"github.com/brainless/datastorer/internal/normalize"
	"github.com/brainless/datastorer/internal/table"
)

// Settings are the ingestion limits shared by every run.
type Settings struct {
	MaxContentLength int64
	DataFormats      []string
	SampleSize       int
	HeaderTolerance  int
	StrictTypes      bool
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxContentLength: 50000000,
		DataFormats:      []string{"all"},
		SampleSize:       table.DefaultSampleSize,
		HeaderTolerance:  table.DefaultTolerance,
		StrictTypes:      true,
	}
}

// Outcome summarises a finished run.
type Outcome struct {
	ResourceID string
	// Skipped is set when the resource was unchanged and nothing was loaded.
	Skipped bool
	Kind    table.Kind
	Columns []infer.Column
	Records int
}

// Pipeline ingests catalog resources into a datastore.
type Pipeline struct {
	fetcher  *fetch.Fetcher
	catalog  catalog.ResourceUpdater
	loader   *datastore.Loader
	settings Settings
	now      func() time.Time
}

// New creates a pipeline. The fetcher should write metadata through the same
// catalog as updater.
func New(fetcher *fetch.Fetcher, updater catalog.ResourceUpdater, store datastore.Store, settings Settings) *Pipeline {
	return &Pipeline{
		fetcher:  fetcher,
		catalog:  updater,
		loader:   datastore.NewLoader(store),
		settings: settings,
		now:      time.Now,
	}
}

// Run ingests res. With checkModified an unchanged resource is skipped
// without error. progress, when set, receives the running record count.
func (p *Pipeline) Run(ctx context.Context, res *catalog.Resource, checkModified bool, progress datastore.ProgressFunc) (*Outcome, error) {
	start := p.now()
	outcome, err := p.run(ctx, res, checkModified, progress)
	metrics.ObserveIngestionDuration(p.now().Sub(start))

	switch {
	case err != nil:
		metrics.IncreaseIngestionsTotal(ingesterr.ClassName(err))
	case outcome.Skipped:
		metrics.IncreaseIngestionsTotal(metrics.ResultSkipped)
	default:
		metrics.IncreaseIngestionsTotal(metrics.ResultLoaded)
		metrics.AddRecordsLoaded(outcome.Records)
	}
	return outcome, err
}

func (p *Pipeline) run(ctx context.Context, res *catalog.Resource, checkModified bool, progress datastore.ProgressFunc) (*Outcome, error) {
	logger := log.WithResource(res.ID)
	outcome := &Outcome{ResourceID: res.ID}

	result, err := p.fetcher.Fetch(ctx, res, fetch.Options{
		MaxContentLength: p.settings.MaxContentLength,
		DataFormats:      p.settings.DataFormats,
		CheckModified:    checkModified,
	})
	if err != nil {
		if ingesterr.Is(err, ingesterr.NotModified) {
			logger.Info("Resource not modified, skipping")
			outcome.Skipped = true
			return outcome, nil
		}
		return nil, err
	}
	defer os.Remove(result.Path)

	file, err := os.Open(result.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open downloaded file: %w", err)
	}
	defer file.Close()

	tbl, err := table.Open(file, result.ContentType(), strings.ToLower(res.Format), table.Options{
		SampleSize: p.settings.SampleSize,
		Tolerance:  p.settings.HeaderTolerance,
	})
	if err != nil {
		return nil, err
	}
	outcome.Kind = tbl.Kind

	columns := infer.Guess(tbl.Headers, tbl.Sample, p.settings.StrictTypes)
	outcome.Columns = columns
	logger.WithField("columns", describe(columns)).Infof("Sniffed %s table, header at row %d", tbl.Kind, tbl.HeaderOffset)

	normalizer := normalize.Normalizer{Columns: columns, Strict: p.settings.StrictTypes}
	source := func(yield func(datastore.Record) error) error {
		return tbl.Each(func(row []string) error {
			record, err := normalizer.Record(row)
			if err != nil {
				return err
			}
			return yield(record)
		})
	}

	loaded, err := p.loader.Load(ctx, res.ID, columns, source, progress)
	if err != nil {
		return nil, err
	}
	outcome.Records = loaded

	res.DatastoreActive = true
	res.LastModified = catalog.Timestamp(p.now())
	if err := p.catalog.ResourceUpdate(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to mark resource active: %w", err)
	}

	logger.Infof("Loaded %d records", loaded)
	return outcome, nil
}

func describe(columns []infer.Column) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c.Name + ":" + c.Type.StoreType()
	}
	return strings.Join(parts, ",")
}
