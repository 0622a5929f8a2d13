package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

// DefaultMirror serves the original gzip IDX files.
const DefaultMirror = "https://storage.googleapis.com/cvdf-datasets/mnist/"

// MNIST file stems, without the .gz suffix.
const (
	trainImages = "train-images-idx3-ubyte"
	trainLabels = "train-labels-idx1-ubyte"
	testImages  = "t10k-images-idx3-ubyte"
	testLabels  = "t10k-labels-idx1-ubyte"
)

var mnistFiles = []string{trainImages, trainLabels, testImages, testLabels}

// MNISTDigests are the SHA-256 sums of the published .gz files.
var MNISTDigests = map[string]string{
	trainImages + ".gz": "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	trainLabels + ".gz": "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	testImages + ".gz":  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	testLabels + ".gz":  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

// RawDir is where downloads land below the dataset root, the same layout
// torchvision uses.
func RawDir(root string) string {
	return filepath.Join(root, "MNIST", "raw")
}

// Downloader fetches missing MNIST files.
type Downloader struct {
	BaseURL string
	Client  *http.Client
	// Digests maps file name to expected SHA-256. Files without an entry are
	// not verified.
	Digests map[string]string
}

// NewDownloader returns a Downloader for the default mirror.
func NewDownloader() *Downloader {
	return &Downloader{BaseURL: DefaultMirror, Client: http.DefaultClient, Digests: MNISTDigests}
}

// Ensure downloads every MNIST file that is not already present anywhere
// beneath root.
func (d *Downloader) Ensure(ctx context.Context, root string) error {
	found, err := DiscoverFiles(root)
	if err != nil {
		return err
	}
	dir := RawDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, stem := range mnistFiles {
		if _, ok := found[stem]; ok {
			continue
		}
		name := stem + ".gz"
		log.Printf("download file=%s dir=%s", name, dir)
		if err := d.fetch(ctx, d.BaseURL+name, filepath.Join(dir, name), d.Digests[name]); err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
	}
	return nil
}

func (d *Downloader) fetch(ctx context.Context, url, dst, digest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if digest != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != digest {
			return fmt.Errorf("sha256 mismatch: got %s want %s", got, digest)
		}
	}
	return os.Rename(tmp.Name(), dst)
}

// LoadMNIST reads the train or test split found beneath root.
func LoadMNIST(root, split string) (*Images, error) {
	found, err := DiscoverFiles(root)
	if err != nil {
		return nil, err
	}
	imgStem, lblStem := trainImages, trainLabels
	if split == "test" {
		imgStem, lblStem = testImages, testLabels
	}
	imgPath, ok := found[imgStem]
	if !ok {
		return nil, fmt.Errorf("mnist: %s not found under %s", imgStem, root)
	}
	lblPath, ok := found[lblStem]
	if !ok {
		return nil, fmt.Errorf("mnist: %s not found under %s", lblStem, root)
	}

	count, rows, cols, pixels, err := readIDXImages(imgPath)
	if err != nil {
		return nil, err
	}
	labels, err := readIDXLabels(lblPath)
	if err != nil {
		return nil, err
	}
	if len(labels) != count {
		return nil, fmt.Errorf("mnist: %d images but %d labels", count, len(labels))
	}

	ds := &Images{Height: rows, Width: cols, Pixels: pixels, Labels: labels}
	if err := ds.validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
