package photos

import (
	"bytes"
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/evermark/retsync/mlsdb"
	"github.com/evermark/retsync/rets"
)

type recordingUploader struct {
	calls   int
	class   string
	listing string
	dir     string
}

func (u *recordingUploader) SyncListing(ctx context.Context, classLongName, listingID, dir string) error {
	u.calls++
	u.class = classLongName
	u.listing = listingID
	u.dir = dir
	return nil
}

func newTestWorker(t *testing.T, photoBody []byte) (*Worker, *Pipeline, *recordingUploader) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "RETS-Session-ID", Value: "abc123"})
		w.Write([]byte("<RETS ReplyCode=\"0\" ReplyText=\"OK\">\n<RETS-RESPONSE>\nGetObject = /getobject\n</RETS-RESPONSE>\n</RETS>"))
	})
	mux.HandleFunc("/getobject", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(photoBody)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := rets.New(rets.Options{
		LoginURL:  srv.URL + "/login",
		Version:   "RETS/1.7.2",
		Username:  "user",
		Password:  "secret",
		UserAgent: "retsync/1.0",
		CacheDir:  t.TempDir(),
	})
	assert.NilError(t, err)

	pipeline := NewPipeline(t.TempDir())
	uploader := &recordingUploader{}
	return NewWorker(client, pipeline, uploader), pipeline, uploader
}

func TestWorkerUploadsStagedVariants(t *testing.T) {
	w, p, up := newTestWorker(t, jpegBytes(t, 800, 600, color.RGBA{R: 10, G: 20, B: 30, A: 255}))

	manifest, err := w.Run(context.Background(), mlsdb.PhotoJob{ListingID: "230475", PropertyType: "RE_1"})
	assert.NilError(t, err)
	assert.Equal(t, up.calls, 1)
	assert.Equal(t, up.class, "Residential")
	assert.Equal(t, up.listing, "230475")
	assert.Equal(t, up.dir, p.StagingDir("RE_1", "230475"))
	assert.Assert(t, bytes.Contains(manifest, []byte(`"original"`)))
}

func TestWorkerRemovesStagingWhenNothingDecodable(t *testing.T) {
	// A bundle the server frames as an image but that no decoder accepts
	// yields only nil entries. The job still completes, but it must not
	// upload the bare sidecar or leave the staging dir behind.
	w, p, up := newTestWorker(t, bytes.Repeat([]byte("definitely not a jpeg "), 10))

	manifest, err := w.Run(context.Background(), mlsdb.PhotoJob{ListingID: "77", PropertyType: "RE_1"})
	assert.NilError(t, err)
	assert.Equal(t, string(manifest), "[null]")
	assert.Equal(t, up.calls, 0)

	_, statErr := os.Stat(p.StagingDir("RE_1", "77"))
	assert.Assert(t, os.IsNotExist(statErr))
}
