package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/evermark/retsync/catalog"
	"github.com/evermark/retsync/config"
	"github.com/evermark/retsync/hotsheet"
	"github.com/evermark/retsync/mlsdb"
	"github.com/evermark/retsync/objectstore"
	"github.com/evermark/retsync/photos"
	"github.com/evermark/retsync/rets"
	"github.com/evermark/retsync/schema"
	"github.com/evermark/retsync/syncer"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	db, err := mlsdb.Open(cfg.MySQL.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := rets.New(rets.Options{
		LoginURL:  cfg.RETS.LoginURL,
		Version:   cfg.RETS.Version,
		Vendor:    cfg.RETS.Vendor,
		Username:  cfg.RETS.Username,
		Password:  cfg.RETS.Password,
		UserAgent: cfg.RETS.UserAgent,
		CacheDir:  cfg.CacheDir,
	})
	if err != nil {
		return err
	}

	lockouts, err := mlsdb.LoadLockouts(cfg.CacheDir)
	if err != nil {
		return err
	}
	store := catalog.NewStore(cfg.CacheDir)

	session, err := client.Login(ctx)
	if err != nil {
		return errors.Wrap(err, "initial login")
	}
	cat, err := store.Load(ctx, client, session)
	if err != nil {
		return errors.Wrap(err, "building catalog")
	}

	uploads, err := objectstore.New(ctx, objectstore.Options{
		AccessKey: cfg.ObjectStorage.AccessKey,
		SecretKey: cfg.ObjectStorage.SecretKey,
		Endpoint:  cfg.ObjectStorage.Endpoint,
		Bucket:    cfg.ObjectStorage.Bucket,
	})
	if err != nil {
		return err
	}

	pipeline := photos.NewPipeline(cfg.CacheDir)
	worker := photos.NewWorker(client, pipeline, uploads)
	scheduler := photos.NewScheduler(db, propertyTables(cat), worker)

	lookups := syncer.NewLookups(client, db, cfg.CacheDir)
	engine := syncer.New(client, store, db, lockouts, lookups)

	cronRunner := cron.New()
	reconciler := hotsheet.New(client, store, db)
	if err := reconciler.Register(ctx, cronRunner); err != nil {
		return err
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	log.G(ctx).WithField("resources", len(cat.Resources)).Info("retsync daemon started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.G(ctx).Info("Shutting down")
	return nil
}

func propertyTables(cat *catalog.Catalog) []mlsdb.PropertyTable {
	res, ok := cat.Resource("Property")
	if !ok {
		return nil
	}
	tables := make([]mlsdb.PropertyTable, 0, len(res.Classes))
	for _, class := range res.Classes {
		tables = append(tables, mlsdb.PropertyTable{
			Table: schema.TableName(res.ResourceID, res.Classes, class),
			Class: class,
		})
	}
	return tables
}
