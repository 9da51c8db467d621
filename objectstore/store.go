// Package objectstore pushes staged photo variants to an S3-compatible
// endpoint and removes local staging once a listing's variant set is
// complete.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// streamThreshold: files at or above this size are streamed from disk
// instead of buffered.
const streamThreshold = 5 * units.MiB

const uploadConcurrency = 4

// Options configure the store client.
type Options struct {
	AccessKey string
	SecretKey string
	Endpoint  string
	Bucket    string
}

// Store is the S3-compatible upload client.
type Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
	tracker *tracker
}

// New builds the store client. Retries are handled by this package's own
// backoff schedule; the SDK's retryer is disabled so the two never stack.
func New(ctx context.Context, opts Options) (*Store, error) {
	endpoint, err := normalizeEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, errors.Wrap(err, "loading object storage config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &Store{
		client:  client,
		bucket:  opts.Bucket,
		baseURL: endpoint + "/" + opts.Bucket,
		tracker: newTracker(),
	}, nil
}

func normalizeEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("object storage endpoint required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parsing object storage endpoint")
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

// PublicURL returns the public address of a stored key.
func (s *Store) PublicURL(key string) string {
	return s.baseURL + "/" + key
}

// SyncListing uploads every file staged for one listing and removes the
// staging directory once all five variants are covered.
func (s *Store) SyncListing(ctx context.Context, classLongName, listingID, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "reading staging dir")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		g.Go(func() error {
			key := "Photos/" + classLongName + "/" + listingID + "/" + name
			if err := s.putWithRetry(gctx, key, filepath.Join(dir, name)); err != nil {
				return err
			}
			s.tracker.record(listingID, name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if s.tracker.complete(listingID) {
		s.tracker.forget(listingID)
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrap(err, "removing staging dir")
		}
		log.G(ctx).WithField("listing", listingID).Debug("Staging dir removed, all variants stored")
	}
	return nil
}

// putWithRetry uploads one file, retrying per the backoff schedule.
func (s *Store) putWithRetry(ctx context.Context, key, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = s.put(ctx, key, path, fi.Size())
		if lastErr == nil {
			if attempt > 1 {
				log.G(ctx).WithFields(logrus.Fields{
					"key":     key,
					"attempt": attempt,
				}).Info("Upload succeeded after retry")
			}
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		delay := backoffDelay(attempt, jitter())
		log.G(ctx).WithError(lastErr).WithFields(logrus.Fields{
			"key":   key,
			"size":  units.HumanSize(float64(fi.Size())),
			"delay": delay,
		}).Warn("Upload failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errors.Wrapf(lastErr, "uploading %s after %d attempts", key, maxAttempts)
}

func (s *Store) put(ctx context.Context, key, path string, size int64) error {
	var body io.Reader
	if size < streamThreshold {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		body = f
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ACL:         types.ObjectCannedACLPublicRead,
		ContentType: aws.String(contentType(path)),
	})
	return err
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webp":
		return "image/webp"
	case ".json":
		return "application/json"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
