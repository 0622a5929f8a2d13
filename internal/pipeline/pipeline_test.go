package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"mnist-tsne/internal/checkpoint"
	"mnist-tsne/internal/config"
	"mnist-tsne/internal/dataset"
	"mnist-tsne/internal/model"
	"mnist-tsne/internal/store"
)

const side = 8

// writeMNIST stores n side x side images per split under root. Each class
// lights up its own row of the image.
func writeMNIST(t *testing.T, root string, n int) {
	t.Helper()
	raw := dataset.RawDir(root)
	if err := os.MkdirAll(raw, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img := &bytes.Buffer{}
	binary.Write(img, binary.BigEndian, []uint32{0x803, uint32(n), side, side})
	lbl := &bytes.Buffer{}
	binary.Write(lbl, binary.BigEndian, []uint32{0x801, uint32(n)})
	for i := 0; i < n; i++ {
		label := i % 4
		pixels := make([]byte, side*side)
		for x := 0; x < side; x++ {
			pixels[2*label*side+x] = 200 + byte(i%50)
		}
		img.Write(pixels)
		lbl.WriteByte(byte(label))
	}
	for _, prefix := range []string{"train", "t10k"} {
		mustWrite(t, filepath.Join(raw, prefix+"-images-idx3-ubyte"), img.Bytes())
		mustWrite(t, filepath.Join(raw, prefix+"-labels-idx1-ubyte"), lbl.Bytes())
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DownloadDir = filepath.Join(dir, "data")
	cfg.ImageHeight = side
	cfg.ImageWidth = side
	cfg.OutputDim = 4
	cfg.Arch = "mlp"
	cfg.Checkpoint = filepath.Join(dir, "MLP.json")
	cfg.BatchSize = 16
	cfg.NumImages = 50
	cfg.Seed = 3
	cfg.NumWorkers = 2
	cfg.Perplexity = 5
	cfg.Iterations = 300
	cfg.Method = "exact"
	cfg.PlotPath = filepath.Join(dir, "plots", "tsne.png")
	cfg.LogEvery = 1
	return cfg
}

func writeCheckpoint(t *testing.T, cfg *config.Config) {
	t.Helper()
	sd, err := model.InitStateDict(model.ArchMLP, model.Options{Height: side, Width: side, OutputDim: cfg.OutputDim}, 1)
	if err != nil {
		t.Fatalf("InitStateDict: %v", err)
	}
	if err := checkpoint.SaveJSON(cfg.Checkpoint, sd, checkpoint.Metadata{Architecture: model.ArchMLP}); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.ExportDB = filepath.Join(dir, "runs.db")
	writeMNIST(t, cfg.DownloadDir, 80)
	writeCheckpoint(t, cfg)

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Collection.Len() != 50 {
		t.Fatalf("expected min(num_images, dataset)=50 rows, got %d", res.Collection.Len())
	}
	if len(res.Collection.Intermediates) != len(res.Collection.Labels) {
		t.Fatalf("labels and intermediates differ")
	}
	if r, c := res.Embedding.Dims(); r != 50 || c != 2 {
		t.Fatalf("embedding %dx%d", r, c)
	}
	if len(res.Collection.Intermediates[0]) != 100 {
		t.Fatalf("expected hidden_fc width 100, got %d", len(res.Collection.Intermediates[0]))
	}
	if _, err := os.Stat(cfg.PlotPath); err != nil {
		t.Fatalf("plot not written: %v", err)
	}

	db, err := store.Open(cfg.ExportDB)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	points, err := db.Points(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Points: %v", err)
	}
	if len(points) != 50 {
		t.Fatalf("expected 50 exported points, got %d", len(points))
	}
}

func TestRunNumImagesAboveDatasetSize(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.NumImages = 10000
	cfg.Iterations = 100
	writeMNIST(t, cfg.DownloadDir, 30)
	writeCheckpoint(t, cfg)

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Collection.Len() != 30 {
		t.Fatalf("expected all 30 images, got %d", res.Collection.Len())
	}
}

func TestRunMissingCheckpointFailsEarly(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	_, err := Run(context.Background(), cfg)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	if _, err := os.Stat(cfg.DownloadDir); !os.IsNotExist(err) {
		t.Fatalf("dataset directory touched before checkpoint failure: %v", err)
	}
	if _, err := os.Stat(cfg.PlotPath); !os.IsNotExist(err) {
		t.Fatalf("plot written despite failure: %v", err)
	}
}

func TestRunArchitectureMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	writeCheckpoint(t, cfg)
	cfg.Arch = "lenet"

	if _, err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected error loading an MLP checkpoint as LeNet")
	}
	if _, err := os.Stat(cfg.DownloadDir); !os.IsNotExist(err) {
		t.Fatalf("dataset directory touched before model failure: %v", err)
	}
}

func TestRunImageSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	writeMNIST(t, cfg.DownloadDir, 20)
	cfg.ImageHeight, cfg.ImageWidth = 10, 10
	sd, _ := model.InitStateDict(model.ArchMLP, model.Options{Height: 10, Width: 10, OutputDim: 4}, 1)
	if err := checkpoint.SaveJSON(cfg.Checkpoint, sd, checkpoint.Metadata{}); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected image size error")
	}
}
