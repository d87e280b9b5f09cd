package main

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spectroscopy/internal/blob"
	"spectroscopy/internal/config"
	"spectroscopy/internal/core"
	"spectroscopy/pkg/dataset"
	"spectroscopy/pkg/domain"
)

// Version is filled in by ldflags.
var Version string

// env carries the resolved configuration into each subcommand.
type env struct {
	cfg    config.Config
	log    *logrus.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

var subcommandFns = []func(*env) *cobra.Command{
	newInitCommand,
	newImportCommand,
	newNewCommand,
	newLinkCommand,
	newGetCommand,
	newQueryCommand,
	newProvenanceCommand,
	newVerifyCommand,
	newSourcesCommand,
	newFormatsCommand,
}

// NewRootCommand builds the spectro command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	if Version == "" {
		Version = dataset.ToolVersion
	}
	e := &env{stdin: stdin, stdout: stdout, stderr: stderr}
	rc := &cobra.Command{
		Use:          "spectro",
		Short:        "spectro - volcanic gas spectroscopy datasets",
		Long:         "Create, import into and inspect spectroscopy measurement stores.\n\nVersion: " + Version + "\n",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(viper.New(), cmd.Flags(), config.EnvPrefix); err != nil {
				return err
			}
			log, err := e.cfg.Logger(stderr)
			if err != nil {
				return err
			}
			e.log = log
			return nil
		},
	}
	e.cfg.RegisterFlags(rc.PersistentFlags())
	for _, fn := range subcommandFns {
		rc.AddCommand(fn(e))
	}
	rc.SetOutput(stderr)
	return rc
}

// open attaches to a store with the configured storage, logging and archive.
func (e *env) open(ctx context.Context, path string, mode domain.Mode) (*dataset.Dataset, error) {
	storage, err := e.cfg.Storage()
	if err != nil {
		return nil, err
	}
	log := e.log
	if log == nil {
		log = logrus.New()
		log.SetOutput(e.stderr)
	}
	opts := []dataset.Option{
		dataset.WithLogger(core.NewLogrusLogger(log.WithField("store", path))),
		dataset.WithStorage(storage),
		dataset.WithUser(e.cfg.User),
		dataset.WithTags(e.cfg.Tags...),
	}
	if e.cfg.Pedantic {
		opts = append(opts, dataset.WithPedantic())
	}
	archive, ok, err := e.archive(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, dataset.WithArchive(archive))
	}
	return dataset.Open(ctx, path, mode, opts...)
}

// archive opens the configured raw source archive. ok is false when
// archiving is off.
func (e *env) archive(ctx context.Context) (*blob.Archive, bool, error) {
	bc, ok := e.cfg.Archive()
	if !ok {
		return nil, false, nil
	}
	store, err := blob.Open(ctx, bc)
	if err != nil {
		return nil, false, err
	}
	return blob.NewArchive(store), true, nil
}

// withDataset opens path, runs fn and closes the store, reporting the first
// error.
func (e *env) withDataset(ctx context.Context, path string, mode domain.Mode, fn func(*dataset.Dataset) error) (err error) {
	d, err := e.open(ctx, path, mode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(d)
}
