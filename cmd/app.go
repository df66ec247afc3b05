package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brainless/datastorer/internal/api"
	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/config"
	"github.com/brainless/datastorer/internal/datastore"
	"github.com/brainless/datastorer/internal/jobs"
	"github.com/brainless/datastorer/internal/log"
	"github.com/brainless/datastorer/internal/pipeline"
	"github.com/brainless/datastorer/internal/runner"
	"github.com/brainless/datastorer/internal/shutdown"
	"github.com/brainless/datastorer/internal/table"
)

// app holds the clients shared by the commands.
type app struct {
	cfg         config.Config
	catalog     *catalog.Client
	taskContext pipeline.TaskContext
	factory     *pipeline.Factory
	sqlite      *datastore.SQLiteStore
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	client := catalog.NewClient(cfg.SiteURL, cfg.APIKey)

	tc := pipeline.TaskContext{
		SiteURL:      cfg.SiteURL,
		APIKey:       cfg.APIKey,
		DatastoreURL: cfg.DatastoreURL,
		SampleSize:   cfg.SampleSize,
	}
	if user, err := client.SiteUser(ctx); err != nil {
		log.Logger.Warnf("Could not fetch the site user, using the configured api key: %v", err)
	} else {
		tc.Username = user.Name
		if user.APIKey != "" {
			tc.APIKey = user.APIKey
			client = client.WithAPIKey(user.APIKey)
		}
	}

	a := &app{cfg: cfg, catalog: client, taskContext: tc}

	if cfg.Store == "sqlite" {
		store, err := datastore.OpenSQLiteStore(filepath.Join(cfg.StoragePath, "datastore"))
		if err != nil {
			return nil, err
		}
		a.sqlite = store
		log.Logger.Infof("Loading into local datastore %s", store.Path())
	}

	a.factory = &pipeline.Factory{
		Settings: pipeline.Settings{
			MaxContentLength: cfg.MaxContentLength,
			DataFormats:      cfg.DataFormats,
			SampleSize:       cfg.SampleSize,
			HeaderTolerance:  table.DefaultTolerance,
			StrictTypes:      cfg.StrictTypes,
		},
		FetchTimeout: cfg.URLTimeout,
		NewStore:     a.newStore,
	}
	return a, nil
}

// newStore returns the datastore named by the task context.
func (a *app) newStore(tc pipeline.TaskContext) (datastore.Store, error) {
	if a.sqlite != nil {
		return a.sqlite, nil
	}
	url := strings.TrimRight(tc.DatastoreURL, "/")
	if url == "" {
		url = a.cfg.StoreURL()
	}
	return datastore.NewHTTPStore(url, tc.APIKey, a.cfg.StoreTimeout, a.cfg.StoreRateLimit), nil
}

func (a *app) Close() {
	if a.sqlite != nil {
		a.sqlite.Close()
	}
}

func (a *app) runner() *runner.Runner {
	return runner.New(a.catalog, a.cfg.DataFormats)
}

// pipeline builds the pipeline for direct runs.
func (a *app) pipeline() (*pipeline.Pipeline, error) {
	p, _, err := a.factory.Build(a.taskContext)
	return p, err
}

func (a *app) jobManager() (*jobs.Manager, error) {
	registry := jobs.NewRegistry()
	manager, err := newJobManager(a.cfg, registry)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(pipeline.TaskName, pipeline.NewUploadHandler(a.factory, a.tracker(manager))); err != nil {
		manager.Stop()
		return nil, err
	}
	return manager, nil
}

func (a *app) tracker(manager *jobs.Manager) *jobs.StatusTracker {
	return jobs.NewStatusTracker(manager.Persistence())
}

// serve runs the worker until a signal arrives.
func (a *app) serve(ctx context.Context, addr string) error {
	manager, err := a.jobManager()
	if err != nil {
		return err
	}
	if err := manager.Start(); err != nil {
		manager.Stop()
		return err
	}

	store, err := a.newStore(a.taskContext)
	if err != nil {
		manager.Stop()
		return err
	}
	server := api.NewServer(addr, manager, a.tracker(manager), store)

	shutdowns := shutdown.NewManager(time.Minute)
	shutdowns.Register(shutdown.NewHook("api", 10, 10*time.Second, server.Stop))
	shutdowns.Register(shutdown.NewHook("jobs", 20, 45*time.Second, func(context.Context) error {
		return manager.Stop()
	}))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := <-serverErr; err != nil {
			log.Logger.Errorf("API server failed: %v", err)
		}
		cancel()
	}()

	reason := shutdowns.Wait(waitCtx)
	return shutdowns.Shutdown(reason)
}

func newJobManager(cfg config.Config, registry *jobs.Registry) (*jobs.Manager, error) {
	managerConfig := jobs.DefaultManagerConfig()
	managerConfig.MaxWorkers = cfg.Workers
	managerConfig.Retry = jobs.RetryPolicy{MaxRetries: cfg.RetryMax, Delay: cfg.RetryDelay}
	if cfg.JobTimeout > 0 {
		managerConfig.JobTimeout = cfg.JobTimeout
	}
	return jobs.NewManager(filepath.Join(cfg.StoragePath, "jobs"), registry, managerConfig)
}

// openJobManager opens the job database without running any jobs.
func openJobManager(cfg config.Config) (*jobs.Manager, error) {
	return newJobManager(cfg, jobs.NewRegistry())
}

func listJobs(w io.Writer, manager *jobs.Manager, states, resource string, limit int) error {
	filter := jobs.JobFilter{EntityID: resource, Limit: limit}
	if states != "" {
		for _, state := range strings.Split(states, ",") {
			filter.States = append(filter.States, jobs.JobState(strings.TrimSpace(state)))
		}
	}

	list, err := manager.ListJobs(filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESOURCE\tSTATE\tRETRIES\tCREATED\tERROR")
	for _, job := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID, job.EntityID, job.State, job.RetryCount, job.MaxRetries,
			job.CreatedAt.Local().Format(time.DateTime), job.ErrorMessage)
	}
	return tw.Flush()
}

func cleanupJobs(manager *jobs.Manager, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	return manager.CleanupJobs(jobs.JobFilter{
		States:        []jobs.JobState{jobs.JobStateCompleted, jobs.JobStateFailed, jobs.JobStateCancelled},
		CreatedBefore: &cutoff,
	})
}

func showConfig(w io.Writer, cfg config.Config) {
	apiKey := "(not set)"
	if cfg.APIKey != "" {
		apiKey = "(set)"
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "site_url\t%s\n", cfg.SiteURL)
	fmt.Fprintf(tw, "api_key\t%s\n", apiKey)
	fmt.Fprintf(tw, "datastore_url\t%s\n", cfg.StoreURL())
	fmt.Fprintf(tw, "store\t%s\n", cfg.Store)
	fmt.Fprintf(tw, "storage_path\t%s\n", cfg.StoragePath)
	fmt.Fprintf(tw, "max_content_length\t%d\n", cfg.MaxContentLength)
	fmt.Fprintf(tw, "data_formats\t%s\n", strings.Join(cfg.DataFormats, ", "))
	fmt.Fprintf(tw, "url_timeout\t%s\n", cfg.URLTimeout)
	fmt.Fprintf(tw, "store_timeout\t%s\n", cfg.StoreTimeout)
	fmt.Fprintf(tw, "store_rate_limit\t%g/s\n", cfg.StoreRateLimit)
	fmt.Fprintf(tw, "sample_size\t%d\n", cfg.SampleSize)
	fmt.Fprintf(tw, "strict_types\t%t\n", cfg.StrictTypes)
	fmt.Fprintf(tw, "workers\t%d\n", cfg.Workers)
	fmt.Fprintf(tw, "retry\t%d every %s\n", cfg.RetryMax, cfg.RetryDelay)
	fmt.Fprintf(tw, "job_timeout\t%s\n", cfg.JobTimeout)
	fmt.Fprintf(tw, "listen_addr\t%s\n", cfg.ListenAddr)
	tw.Flush()
}
