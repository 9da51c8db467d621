package photos

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/evermark/retsync/rets"
)

func jpegBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	assert.NilError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func TestProcessWritesAllVariants(t *testing.T) {
	p := NewPipeline(t.TempDir())
	src := rets.Photo{
		ObjectID:    "0",
		ContentType: "image/jpeg",
		Data:        jpegBytes(t, 2400, 1600, color.RGBA{R: 200, G: 100, B: 50, A: 255}),
	}

	processed, err := p.Process(context.Background(), "RE_1", "230475", []rets.Photo{src})
	assert.NilError(t, err)
	assert.Equal(t, len(processed), 1)
	assert.Assert(t, processed[0] != nil)

	dir := p.StagingDir("RE_1", "230475")
	assert.Equal(t, dir, filepath.Join(p.cacheDir, "Photos", "Residential", "230475"))
	for _, v := range Variants {
		_, err := os.Stat(filepath.Join(dir, v.Name+"-0.webp"))
		assert.NilError(t, err)
	}

	byName := map[string]VariantInfo{}
	for _, info := range processed[0].Variants {
		byName[info.Name] = info
	}
	assert.Equal(t, byName["original"].Width, 2400)
	assert.Equal(t, byName["large"].Width, 1920)
	assert.Equal(t, byName["medium"].Width, 1280)
	assert.Equal(t, byName["thumb"].Width, 400)
	// Aspect ratio preserved.
	assert.Equal(t, byName["thumb"].Height, 267)

	raw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	assert.NilError(t, err)
	var side sidecar
	assert.NilError(t, json.Unmarshal(raw, &side))
	assert.Equal(t, side.ListingID, "230475")
	assert.Equal(t, len(side.Photos), 1)
}

func TestProcessNeverEnlarges(t *testing.T) {
	p := NewPipeline(t.TempDir())
	src := rets.Photo{ObjectID: "1", Data: jpegBytes(t, 640, 480, color.RGBA{A: 255})}

	processed, err := p.Process(context.Background(), "LD_2", "88", []rets.Photo{src})
	assert.NilError(t, err)

	for _, info := range processed[0].Variants {
		switch info.Name {
		case "original", "large", "medium", "small":
			assert.Equal(t, info.Width, 640, info.Name)
		case "thumb":
			assert.Equal(t, info.Width, 400, info.Name)
			assert.Equal(t, info.Height, 300, info.Name)
		}
	}
}

func TestProcessPNGFallsBackToJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 120, 80))
	var buf bytes.Buffer
	assert.NilError(t, png.Encode(&buf, img))

	p := NewPipeline(t.TempDir())
	processed, err := p.Process(context.Background(), "CI_3", "55", []rets.Photo{{ObjectID: "2", Data: buf.Bytes()}})
	assert.NilError(t, err)
	assert.Assert(t, processed[0] != nil)
	assert.Equal(t, len(processed[0].Variants), len(Variants))
}

func TestProcessUndecodableYieldsNilEntry(t *testing.T) {
	p := NewPipeline(t.TempDir())
	good := rets.Photo{ObjectID: "0", Data: jpegBytes(t, 100, 100, color.RGBA{A: 255})}
	bad := rets.Photo{ObjectID: "1", Data: []byte("not an image at all")}

	processed, err := p.Process(context.Background(), "RE_1", "99", []rets.Photo{good, bad})
	assert.NilError(t, err)
	assert.Equal(t, len(processed), 2)
	assert.Assert(t, processed[0] != nil)
	assert.Assert(t, is.Nil(processed[1]))
}

func TestDominantColor(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff})
		}
	}
	assert.Equal(t, dominantColor(img), "#102030")
}

func TestClassLongName(t *testing.T) {
	assert.Equal(t, ClassLongName("RE_1"), "Residential")
	assert.Equal(t, ClassLongName("MF_4"), "MultiFamily")
	assert.Equal(t, ClassLongName("CI_3"), "Commercial")
	assert.Equal(t, ClassLongName("LD_2"), "Land")
	assert.Equal(t, ClassLongName("XX_9"), "XX_9")
}

func TestSelectMode(t *testing.T) {
	assert.Equal(t, selectMode(0).Name, "normal")
	assert.Equal(t, selectMode(20).Name, "normal")
	assert.Equal(t, selectMode(21).Name, "aggressive")
	assert.Equal(t, selectMode(21).BatchSize, 10)
	assert.Equal(t, selectMode(5).BatchSize, 5)
}
