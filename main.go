package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Duke-GCB/toil/blobstore/provider"
	"github.com/Duke-GCB/toil/config"
	"github.com/Duke-GCB/toil/events"
	"github.com/Duke-GCB/toil/jobstore"
	"github.com/Duke-GCB/toil/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{v: viper.New()}
	err := newRootCommand(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		os.Exit(1)
	}
}

// app carries what the persistent pre-run sets up for the subcommands.
type app struct {
	v         *viper.Viper
	cfg       *config.Config
	log       *logrus.Logger
	providers *telemetry.Providers
	store     *jobstore.Store
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobstore",
		Short:        "Inspect and maintain a job store",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	if err := config.BindFlags(cmd.PersistentFlags(), a.v); err != nil {
		panic(err.Error())
	}

	cmd.AddCommand(
		createCommand(a),
		destroyCommand(a),
		jobsCommand(a),
		putCommand(a),
		getCommand(a),
		catCommand(a),
		rmCommand(a),
		configCommand(a),
	)
	return cmd
}

func (a *app) setup(ctx context.Context) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(ctx, a.v)
	if err != nil {
		return err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	providers, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	a.cfg, a.log, a.providers = cfg, log, providers
	return nil
}

// openStore binds a.store to the configured locator. With create set the
// container is created, otherwise an existing one is opened.
func (a *app) openStore(ctx context.Context, create bool) (*jobstore.Store, error) {
	if a.cfg.Locator == "" {
		return nil, errors.New("a locator is required, set --locator or JOBSTORE_LOCATOR")
	}
	loc, err := config.ParseLocator(a.cfg.Locator)
	if err != nil {
		return nil, err
	}

	bucket, err := provider.Open(ctx, a.cfg, loc, provider.Deps{
		Logger:         a.log,
		TracerProvider: a.providers.TracerProvider,
		MeterProvider:  a.providers.MeterProvider,
	})
	if err != nil {
		return nil, err
	}

	opts := append(a.cfg.StoreOptions(),
		jobstore.WithLogger(a.log.WithField("locator", loc.String())),
		jobstore.WithTracerProvider(a.providers.TracerProvider),
		jobstore.WithMeterProvider(a.providers.MeterProvider),
	)
	if a.cfg.Events.Target != "" {
		n, err := events.NewNotifier(a.cfg.Events)
		if err != nil {
			bucket.Close()
			return nil, err
		}
		opts = append(opts, jobstore.WithNotifier(n))
	}

	open := jobstore.Open
	if create {
		open = jobstore.Create
	}
	s, err := open(ctx, bucket, opts...)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	a.store = s
	return s, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.log != nil {
			a.log.WithError(err).Warn("Failed to close job store")
		}
		a.store = nil
	}
	if a.providers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.providers.Shutdown(ctx); err != nil && a.log != nil {
			a.log.WithError(err).Warn("Failed to flush telemetry")
		}
		a.providers = nil
	}
}

func createCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the job store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context(), true)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Name())
			return nil
		},
	}
}

func destroyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Delete every job and file, then the job store itself",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			return s.Destroy(cmd.Context())
		},
	}
}

func jobsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List the jobs in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for job, err := range s.Jobs(cmd.Context()) {
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%d\t%s\n", job.JobStoreID, job.RemainingRetryCount, job.Command)
			}
			return nil
		},
	}
}

func putCommand(a *app) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "put <local-path>",
		Short: "Store a local file and print its file ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			id, err := s.WriteFile(cmd.Context(), args[0], owner)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Job that owns the file")
	return cmd
}

func getCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <file-id> <local-path>",
		Short: "Copy a stored file to a local path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			return s.ReadFile(cmd.Context(), args[0], args[1])
		},
	}
}

func catCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <file-id>",
		Short: "Write a stored file to standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			r, err := s.ReadFileStream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return jobstore.WithDownloadStream(r, func(r io.Reader) error {
				_, err := io.Copy(cmd.OutOrStdout(), r)
				return err
			})
		},
	}
}

func rmCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <file-id>",
		Short: "Delete a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			return s.DeleteFile(cmd.Context(), args[0])
		},
	}
}

func configCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
