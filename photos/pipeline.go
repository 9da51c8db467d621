// Package photos turns raw listing photos into sized WebP variants on local
// staging, and schedules which listings get processed when.
package photos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"
	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/evermark/retsync/rets"
)

// Variant is one size preset.
type Variant struct {
	Name     string
	MaxWidth int // 0 means re-encode at source size
	Quality  int
}

// Variants are produced for every photo, widest first. Resizing never
// enlarges.
var Variants = []Variant{
	{Name: "original", MaxWidth: 0, Quality: 90},
	{Name: "large", MaxWidth: 1920, Quality: 85},
	{Name: "medium", MaxWidth: 1280, Quality: 80},
	{Name: "small", MaxWidth: 800, Quality: 75},
	{Name: "thumb", MaxWidth: 400, Quality: 70},
}

// VariantInfo describes one produced file.
type VariantInfo struct {
	Name   string `json:"name"`
	File   string `json:"file"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int64  `json:"bytes"`
}

// ProcessedPhoto is the pipeline output for one source photo. A nil entry in
// the result slice marks a photo that could not be decoded.
type ProcessedPhoto struct {
	ObjectID      string            `json:"objectId"`
	DominantColor string            `json:"dominantColor"`
	Variants      []VariantInfo     `json:"variants"`
	Source        map[string]string `json:"source,omitempty"`
}

// Pipeline writes variants into the staging area under cacheDir.
type Pipeline struct {
	cacheDir string
}

// NewPipeline returns a pipeline staging under cacheDir.
func NewPipeline(cacheDir string) *Pipeline {
	return &Pipeline{cacheDir: cacheDir}
}

// StagingDir is the local directory holding one listing's variants.
func (p *Pipeline) StagingDir(class, listingID string) string {
	return filepath.Join(p.cacheDir, "Photos", ClassLongName(class), listingID)
}

// Process produces all variants for a listing's photos and writes the
// metadata sidecar. Undecodable photos yield a nil entry and processing
// continues.
func (p *Pipeline) Process(ctx context.Context, class, listingID string, srcs []rets.Photo) ([]*ProcessedPhoto, error) {
	dir := p.StagingDir(class, listingID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating staging dir")
	}

	processed := make([]*ProcessedPhoto, len(srcs))
	for i, src := range srcs {
		out, err := p.processOne(ctx, dir, src)
		if err != nil {
			log.G(ctx).WithError(err).WithFields(logrus.Fields{
				"listing":  listingID,
				"objectId": src.ObjectID,
			}).Warn("Photo skipped, undecodable")
			continue
		}
		processed[i] = out
	}

	if err := p.writeSidecar(dir, listingID, class, processed); err != nil {
		return nil, err
	}
	return processed, nil
}

func (p *Pipeline) processOne(ctx context.Context, dir string, src rets.Photo) (*ProcessedPhoto, error) {
	img, err := imaging.Decode(bytes.NewReader(src.Data))
	if err != nil {
		// Some feeds serve photos in formats the primary decode path
		// rejects; a JPEG round trip in memory recovers most of them.
		reencoded, rerr := reencodeJPEG(src.Data)
		if rerr != nil {
			return nil, errors.Wrap(err, "decoding photo")
		}
		if img, err = imaging.Decode(bytes.NewReader(reencoded)); err != nil {
			return nil, errors.Wrap(err, "decoding re-encoded photo")
		}
	}

	out := &ProcessedPhoto{
		ObjectID:      src.ObjectID,
		DominantColor: dominantColor(img),
		Variants:      make([]VariantInfo, len(Variants)),
		Source:        sourceHeaders(src),
	}

	g, _ := errgroup.WithContext(ctx)
	for i, v := range Variants {
		g.Go(func() error {
			info, err := writeVariant(dir, src.ObjectID, v, img)
			if err != nil {
				return err
			}
			out.Variants[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeVariant(dir, objectID string, v Variant, img image.Image) (VariantInfo, error) {
	sized := img
	if v.MaxWidth > 0 && img.Bounds().Dx() > v.MaxWidth {
		sized = imaging.Resize(img, v.MaxWidth, 0, imaging.Lanczos)
	}

	name := fmt.Sprintf("%s-%s.webp", v.Name, objectID)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return VariantInfo{}, errors.Wrapf(err, "creating %s", name)
	}
	if err := webp.Encode(f, sized, webp.Options{Quality: v.Quality}); err != nil {
		f.Close()
		return VariantInfo{}, errors.Wrapf(err, "encoding %s", name)
	}
	if err := f.Close(); err != nil {
		return VariantInfo{}, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return VariantInfo{}, err
	}
	return VariantInfo{
		Name:   v.Name,
		File:   name,
		Width:  sized.Bounds().Dx(),
		Height: sized.Bounds().Dy(),
		Bytes:  fi.Size(),
	}, nil
}

type sidecar struct {
	ListingID   string            `json:"listingId"`
	Class       string            `json:"class"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Photos      []*ProcessedPhoto `json:"photos"`
}

func (p *Pipeline) writeSidecar(dir, listingID, class string, photos []*ProcessedPhoto) error {
	raw, err := json.MarshalIndent(sidecar{
		ListingID:   listingID,
		Class:       class,
		GeneratedAt: time.Now().UTC(),
		Photos:      photos,
	}, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644), "writing metadata sidecar")
}

// reencodeJPEG decodes with any registered decoder and re-encodes to JPEG.
func reencodeJPEG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// dominantColor is the average RGB over a downsampled copy of the image.
func dominantColor(img image.Image) string {
	sample := img
	if img.Bounds().Dx() > 64 {
		sample = imaging.Resize(img, 64, 0, imaging.Box)
	}

	var r, g, b, n uint64
	bounds := sample.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			pr, pg, pb, _ := sample.At(x, y).RGBA()
			r += uint64(pr >> 8)
			g += uint64(pg >> 8)
			b += uint64(pb >> 8)
			n++
		}
	}
	if n == 0 {
		return "#000000"
	}
	return fmt.Sprintf("#%02x%02x%02x", uint8(r/n), uint8(g/n), uint8(b/n))
}

func sourceHeaders(p rets.Photo) map[string]string {
	headers := map[string]string{}
	for k, v := range p.Extra {
		headers[k] = v
	}
	if p.ContentType != "" {
		headers["Content-Type"] = p.ContentType
	}
	if p.LastModified != "" {
		headers["Last-Modified"] = p.LastModified
	}
	if p.SubDescription != "" {
		headers["Content-Sub-Description"] = p.SubDescription
	}
	if p.Label != "" {
		headers["Content-Label"] = p.Label
	}
	if p.Accessibility != "" {
		headers["Accessibility"] = p.Accessibility
	}
	if p.Timestamp != "" {
		headers["Photo-Timestamp"] = p.Timestamp
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}
