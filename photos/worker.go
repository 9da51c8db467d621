package photos

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/evermark/retsync/mlsdb"
	"github.com/evermark/retsync/rets"
)

// Uploader pushes one listing's staged files to the object store and cleans
// the staging directory once every variant is covered.
type Uploader interface {
	SyncListing(ctx context.Context, classLongName, listingID, dir string) error
}

// Worker runs the full photo chain for one listing: fetch the photo bundle,
// produce variants, upload, report the manifest.
type Worker struct {
	client   *rets.Client
	pipeline *Pipeline
	uploader Uploader
}

// NewWorker assembles a photo worker.
func NewWorker(client *rets.Client, pipeline *Pipeline, uploader Uploader) *Worker {
	return &Worker{client: client, pipeline: pipeline, uploader: uploader}
}

// Run implements JobRunner.
func (w *Worker) Run(ctx context.Context, job mlsdb.PhotoJob) ([]byte, error) {
	session, err := w.client.Login(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring session")
	}

	srcs, err := w.client.FetchPropertyPhotos(ctx, session, job.ListingID)
	if err != nil {
		return nil, errors.Wrap(err, "fetching photos")
	}
	if len(srcs) == 0 {
		return json.Marshal([]*ProcessedPhoto{})
	}

	processed, err := w.pipeline.Process(ctx, job.PropertyType, job.ListingID, srcs)
	if err != nil {
		return nil, errors.Wrap(err, "processing photos")
	}

	dir := w.pipeline.StagingDir(job.PropertyType, job.ListingID)
	if !hasVariants(processed) {
		// Nothing decodable came back, so there is nothing to upload and the
		// staging dir only holds the sidecar. A completed job must not leave
		// local state behind.
		if err := os.RemoveAll(dir); err != nil {
			return nil, errors.Wrap(err, "removing empty staging dir")
		}
		return json.Marshal(processed)
	}
	if err := w.uploader.SyncListing(ctx, ClassLongName(job.PropertyType), job.ListingID, dir); err != nil {
		// Leave the staging dir in place; a retry can resume from disk.
		return nil, errors.Wrap(err, "uploading photos")
	}
	return json.Marshal(processed)
}

func hasVariants(processed []*ProcessedPhoto) bool {
	for _, p := range processed {
		if p != nil && len(p.Variants) > 0 {
			return true
		}
	}
	return false
}
