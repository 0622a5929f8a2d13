package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"os"
	"path"
	"strconv"
	"strings"
)

// Sample is one decoded WebDataset entry: a grayscale digit and its class.
type Sample struct {
	Key    string
	Pixels []byte
	Label  int
}

// ErrPendingOverflow indicates too many keys were waiting for their other half.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultMaxPending = 1024

// maxLabelBytes bounds a .cls payload; class ids are short decimal strings.
const maxLabelBytes = 32

// ShardReader decodes samples out of `<key>.png|jpg` + `<key>.cls` tar shards.
// Images are decoded to Height x Width grayscale as soon as they are read, so
// only decoded pixels wait for a label.
type ShardReader struct {
	Height int
	Width  int
	// MaxPending bounds the number of keys holding only one half of a pair.
	MaxPending int

	// Skipped counts complete pairs whose image failed to decode.
	Skipped int
}

type halfSample struct {
	pixels   []byte
	label    int
	hasImage bool
	hasLabel bool
}

// Read walks the shard at shardPath and calls emit for every complete sample
// in the order its pair completes. An emit error stops the walk.
func (r *ShardReader) Read(ctx context.Context, shardPath string, emit func(Sample) error) error {
	if r.Height <= 0 || r.Width <= 0 {
		return fmt.Errorf("webdataset: invalid image size %dx%d", r.Height, r.Width)
	}
	maxPending := r.MaxPending
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}

	f, err := os.Open(shardPath)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*halfSample)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Base(hdr.Name)
		ext := strings.ToLower(path.Ext(name))
		key := strings.TrimSuffix(name, path.Ext(name))

		var h *halfSample
		switch ext {
		case ".png", ".jpg", ".jpeg":
			raw, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read image %s: %w", name, err)
			}
			h = pendingSample(pending, key)
			h.hasImage = true
			if h.pixels, err = DecodeImage(raw, r.Height, r.Width); err != nil {
				h.pixels = nil
			}
		case ".cls":
			label, err := readLabel(tr)
			if err != nil {
				return fmt.Errorf("label %s: %w", name, err)
			}
			h = pendingSample(pending, key)
			h.label, h.hasLabel = label, true
		default:
			continue
		}

		if len(pending) > maxPending {
			return ErrPendingOverflow
		}
		if !h.hasImage || !h.hasLabel {
			continue
		}
		delete(pending, key)
		if h.pixels == nil {
			r.Skipped++
			continue
		}
		if err := emit(Sample{Key: key, Pixels: h.pixels, Label: h.label}); err != nil {
			return err
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("%d samples incomplete", len(pending))
	}
	return nil
}

func pendingSample(pending map[string]*halfSample, key string) *halfSample {
	h := pending[key]
	if h == nil {
		h = &halfSample{}
		pending[key] = h
	}
	return h
}

func readLabel(r io.Reader) (int, error) {
	payload, err := io.ReadAll(io.LimitReader(r, maxLabelBytes+1))
	if err != nil {
		return 0, err
	}
	if len(payload) > maxLabelBytes {
		return 0, errors.New("label payload too long")
	}
	label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, err
	}
	if label < 0 {
		return 0, fmt.Errorf("negative class %d", label)
	}
	return label, nil
}

// DecodeImage decodes a PNG or JPEG and resamples it to height x width
// grayscale bytes by nearest neighbour. Colour images are reduced with the
// ITU-R 601 luma weights.
func DecodeImage(raw []byte, height, width int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("empty image")
	}
	out := make([]byte, height*width)
	for gy := 0; gy < height; gy++ {
		py := bounds.Min.Y + gy*srcH/height
		for gx := 0; gx < width; gx++ {
			px := bounds.Min.X + gx*srcW/width
			out[gy*width+gx] = color.GrayModel.Convert(img.At(px, py)).(color.Gray).Y
		}
	}
	return out, nil
}

// LoadShards reads every shard in order into memory. Records whose image
// does not decode are skipped and counted in the log.
func LoadShards(ctx context.Context, shards []string, height, width int) (*Images, error) {
	ds := &Images{Height: height, Width: width}
	reader := &ShardReader{Height: height, Width: width}
	for _, shard := range shards {
		err := reader.Read(ctx, shard, func(s Sample) error {
			ds.Pixels = append(ds.Pixels, s.Pixels...)
			ds.Labels = append(ds.Labels, s.Label)
			ds.Keys = append(ds.Keys, s.Key)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", shard, err)
		}
	}
	if reader.Skipped > 0 {
		log.Printf("webdataset skipped=%d reason=undecodable", reader.Skipped)
	}
	if err := ds.validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
