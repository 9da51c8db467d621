package photos

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/moby/locker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/evermark/retsync/mlsdb"
)

// Mode is one pacing preset of the scheduler.
type Mode struct {
	Name           string
	BatchSize      int
	InterBatchWait time.Duration
	IdleWait       time.Duration
}

var (
	normalMode     = Mode{Name: "normal", BatchSize: 5, InterBatchWait: 5 * time.Second, IdleWait: time.Minute}
	aggressiveMode = Mode{Name: "aggressive", BatchSize: 10, InterBatchWait: time.Second, IdleWait: 10 * time.Second}
)

const (
	// aggressiveThreshold is the backlog size above which the scheduler
	// switches into the aggressive preset.
	aggressiveThreshold = 20

	fatalBackoff = 30 * time.Second
)

// JobRunner executes the fetch/transform/upload chain for one listing and
// returns the processed-photo manifest as JSON.
type JobRunner interface {
	Run(ctx context.Context, job mlsdb.PhotoJob) ([]byte, error)
}

// Scheduler selects listings awaiting photo work and drives them through the
// runner in paced batches.
type Scheduler struct {
	db     *mlsdb.DB
	tables []mlsdb.PropertyTable
	runner JobRunner
	locks  *locker.Locker
}

// NewScheduler returns a scheduler over the given property tables.
func NewScheduler(db *mlsdb.DB, tables []mlsdb.PropertyTable, runner JobRunner) *Scheduler {
	return &Scheduler{
		db:     db,
		tables: tables,
		runner: runner,
		locks:  locker.New(),
	}
}

// Run processes batches until the context is canceled. Outer-loop failures
// back off and retry; the loop never exits on its own.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.db.EnsurePhotoProcessing(ctx); err != nil {
		log.G(ctx).WithError(err).Error("Could not ensure photo tracking table")
	}
	for {
		wait, err := s.runBatch(ctx)
		if err != nil {
			log.G(ctx).WithError(err).Error("Photo scheduler pass failed, backing off")
			wait = fatalBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runBatch selects and processes one batch, returning how long to wait
// before the next pass.
func (s *Scheduler) runBatch(ctx context.Context) (time.Duration, error) {
	backlog, err := s.db.CountPhotoBacklog(ctx, s.tables)
	if err != nil {
		return 0, err
	}
	mode := selectMode(backlog)

	batch, err := s.db.SelectPhotoBatch(ctx, s.tables, mode.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return mode.IdleWait, nil
	}

	log.G(ctx).WithFields(logrus.Fields{
		"mode":    mode.Name,
		"backlog": backlog,
		"batch":   len(batch),
	}).Info("Processing photo batch")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mode.BatchSize)
	for _, job := range batch {
		g.Go(func() error {
			s.processJob(gctx, job)
			return nil
		})
	}
	g.Wait()

	return mode.InterBatchWait, nil
}

// processJob runs one listing through the pipeline under a per-listing lock
// and records the outcome. Job failures are terminal until something flags
// the listing for reprocessing.
func (s *Scheduler) processJob(ctx context.Context, job mlsdb.PhotoJob) {
	name := job.PropertyType + "/" + job.ListingID
	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	logger := log.G(ctx).WithFields(logrus.Fields{
		"listing": job.ListingID,
		"class":   job.PropertyType,
	})

	if err := s.db.MarkPhotoProcessing(ctx, job.ListingID, job.PropertyType); err != nil {
		logger.WithError(err).Error("Could not claim photo job")
		return
	}

	manifest, err := s.runner.Run(ctx, job)
	if err != nil {
		logger.WithError(err).Warn("Photo job failed")
		if merr := s.db.MarkPhotoFailed(ctx, job.ListingID, job.PropertyType, err.Error()); merr != nil {
			logger.WithError(merr).Error("Could not record photo job failure")
		}
		return
	}

	if err := s.db.MarkPhotoCompleted(ctx, job.ListingID, job.PropertyType, manifest); err != nil {
		logger.WithError(err).Error("Could not record photo job completion")
		return
	}
	logger.Info("Photo job completed")
}

func selectMode(backlog int) Mode {
	if backlog > aggressiveThreshold {
		return aggressiveMode
	}
	return normalMode
}
