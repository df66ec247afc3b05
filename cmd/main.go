package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/brainless/datastorer/internal/config"
	"github.com/brainless/datastorer/internal/log"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "datastorer",
		Short: "Load tabular catalog resources into the datastore",
		Long: `datastorer downloads the CSV, TSV and spreadsheet resources of a data
catalog, guesses the type of every column and loads the rows into the
datastore so that they can be queried.

Resources can be processed directly (update, push) or queued for a
long-running worker that retries transient failures.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			log.InitLogger(verbose)

			if err := config.InitConfig(); err != nil {
				// config commands can set the missing site URL
				if !errors.Is(err, config.ErrSiteURLMissing) || !isConfigCommand(cmd) {
					return fmt.Errorf("configuration error: %w", err)
				}
			}
			if storagePath, _ := cmd.Flags().GetString("storage-path"); storagePath != "" {
				config.AppConfig.StoragePath = storagePath
			}
			if store, _ := cmd.Flags().GetString("store"); store != "" {
				config.AppConfig.Store = store
				if err := config.AppConfig.Validate(); err != nil {
					return fmt.Errorf("configuration error: %w", err)
				}
			}
			return nil
		},
	}

	// Add global flags
	rootCmd.PersistentFlags().StringP("storage-path", "p", "", "Override the storage path for jobs and the local datastore")
	rootCmd.PersistentFlags().String("store", "", "Datastore backend (http or sqlite)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	// Add subcommands
	rootCmd.AddCommand(newIngestCmd("update", "Load new and changed resources", true))
	rootCmd.AddCommand(newIngestCmd("push", "Reload every resource, changed or not", false))
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

func newIngestCmd(name, short string, checkModified bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [dataset]",
		Short: short,
		Long: short + `.

Processes every resource of the given dataset, or of all datasets when no
dataset is named. Failures are collected and listed at the end.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), config.AppConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			ingester, err := app.pipeline()
			if err != nil {
				return err
			}

			summary, err := app.runner().Ingest(cmd.Context(), datasetArg(args), ingester, checkModified)
			if err != nil {
				return err
			}
			summary.Report(cmd.OutOrStdout())
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue [dataset]",
		Short: "Queue upload tasks for a running worker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), config.AppConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			manager, err := app.jobManager()
			if err != nil {
				return err
			}
			defer manager.Stop()

			summary, err := app.runner().Queue(cmd.Context(), datasetArg(args), manager,
				app.tracker(manager), app.catalog, app.taskContext)
			if err != nil {
				return err
			}
			summary.Report(cmd.OutOrStdout())
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued upload tasks and serve the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("listen")
			if addr == "" {
				addr = config.AppConfig.ListenAddr
			}

			app, err := newApp(cmd.Context(), config.AppConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.serve(cmd.Context(), addr)
		},
	}
	workerCmd.Flags().String("listen", "", "Address for the status API (default from listen_addr)")
	return workerCmd
}

func newJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List and manage upload jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			resource, _ := cmd.Flags().GetString("resource")
			limit, _ := cmd.Flags().GetInt("limit")

			manager, err := openJobManager(config.AppConfig)
			if err != nil {
				return err
			}
			defer manager.Stop()

			return listJobs(cmd.OutOrStdout(), manager, state, resource, limit)
		},
	}
	jobsCmd.Flags().String("state", "", "Only show jobs in these states (comma separated)")
	jobsCmd.Flags().String("resource", "", "Only show jobs for this resource")
	jobsCmd.Flags().Int("limit", 50, "Maximum number of jobs to show")

	retryCmd := &cobra.Command{
		Use:   "retry [job-id]",
		Short: "Queue a failed or cancelled job again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openJobManager(config.AppConfig)
			if err != nil {
				return err
			}
			defer manager.Stop()

			if err := manager.RetryJob(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued for retry\n", args[0])
			return nil
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")

			manager, err := openJobManager(config.AppConfig)
			if err != nil {
				return err
			}
			defer manager.Stop()

			removed, err := cleanupJobs(manager, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished jobs\n", removed)
			return nil
		},
	}
	cleanupCmd.Flags().Duration("older-than", 7*24*time.Hour, "Only remove jobs created before this age")

	jobsCmd.AddCommand(retryCmd, cleanupCmd)
	return jobsCmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			showConfig(cmd.OutOrStdout(), config.AppConfig)
		},
	}

	setSiteURLCmd := &cobra.Command{
		Use:   "set-site-url [url]",
		Short: "Set the catalog site URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetSiteURL(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Site URL set to %s\n", config.AppConfig.SiteURL)
			return nil
		},
	}

	configCmd.AddCommand(showCmd, setSiteURLCmd)
	return configCmd
}

func isConfigCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	return false
}

func datasetArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
