package data

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Ian2x/cs426-ddp/nn"
)

const (
	imagesMagic = 0x00000803
	labelsMagic = 0x00000801

	// MNIST normalization constants.
	MNISTMean = 0.1307
	MNISTStd  = 0.3081
)

type mnistFile struct {
	name   string
	sha256 string
}

var (
	trainImages = mnistFile{"train-images-idx3-ubyte.gz", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"}
	trainLabels = mnistFile{"train-labels-idx1-ubyte.gz", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"}
	testImages  = mnistFile{"t10k-images-idx3-ubyte.gz", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"}
	testLabels  = mnistFile{"t10k-labels-idx1-ubyte.gz", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"}

	mnistFiles = []mnistFile{trainImages, trainLabels, testImages, testLabels}

	// Tried in order.
	Mirrors = []string{
		"https://ossci-datasets.s3.amazonaws.com/mnist/",
		"http://yann.lecun.com/exdb/mnist/",
	}
)

// Transform maps raw pixel bytes to model inputs.
type Transform func(pixels []byte, out []float64)

// Normalize scales pixels to [0, 1] and then standardizes them.
func Normalize(mean, std float64) Transform {
	return func(pixels []byte, out []float64) {
		for i, p := range pixels {
			out[i] = (float64(p)/255 - mean) / std
		}
	}
}

// MNIST holds decoded images in memory and applies Transform on access.
type MNIST struct {
	images    []byte
	labels    []byte
	Transform Transform
}

func rawDir(root string) string {
	return filepath.Join(root, "MNIST", "raw")
}

// LoadMNIST reads the train or test split from root/MNIST/raw, verifying each
// file's checksum.
func LoadMNIST(root string, train bool) (*MNIST, error) {
	images, labels := trainImages, trainLabels
	if !train {
		images, labels = testImages, testLabels
	}
	dir := rawDir(root)
	var raw [2][]byte
	for i, f := range []mnistFile{images, labels} {
		path := filepath.Join(dir, f.name)
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		if got := checksum(b); got != f.sha256 {
			return nil, errors.Errorf("file hash for %s is incorrect: %s", path, got)
		}
		if raw[i], err = gunzip(b); err != nil {
			return nil, errors.Wrapf(err, "decompressing %s", path)
		}
	}
	return newMNIST(raw[0], raw[1])
}

func newMNIST(images, labels []byte) (*MNIST, error) {
	imgs, err := parseImages(images)
	if err != nil {
		return nil, err
	}
	lbls, err := parseLabels(labels)
	if err != nil {
		return nil, err
	}
	if len(imgs)/nn.ImageSize != len(lbls) {
		return nil, errors.Errorf("%d images but %d labels", len(imgs)/nn.ImageSize, len(lbls))
	}
	return &MNIST{
		images:    imgs,
		labels:    lbls,
		Transform: Normalize(MNISTMean, MNISTStd),
	}, nil
}

func (m *MNIST) Len() int { return len(m.labels) }

func (m *MNIST) Features() int { return nn.ImageSize }

func (m *MNIST) Get(i int, out []float64) int {
	m.Transform(m.images[i*nn.ImageSize:(i+1)*nn.ImageSize], out)
	return int(m.labels[i])
}

func parseImages(b []byte) ([]byte, error) {
	if len(b) < 16 {
		return nil, errors.New("images file too short")
	}
	if magic := binary.BigEndian.Uint32(b); magic != imagesMagic {
		return nil, errors.Errorf("bad images magic %#x", magic)
	}
	n := int(binary.BigEndian.Uint32(b[4:]))
	rows := int(binary.BigEndian.Uint32(b[8:]))
	cols := int(binary.BigEndian.Uint32(b[12:]))
	if rows*cols != nn.ImageSize {
		return nil, errors.Errorf("images are %dx%d, expected 28x28", rows, cols)
	}
	body := b[16:]
	if len(body) != n*nn.ImageSize {
		return nil, errors.Errorf("images file holds %d bytes, header says %d", len(body), n*nn.ImageSize)
	}
	return body, nil
}

func parseLabels(b []byte) ([]byte, error) {
	if len(b) < 8 {
		return nil, errors.New("labels file too short")
	}
	if magic := binary.BigEndian.Uint32(b); magic != labelsMagic {
		return nil, errors.Errorf("bad labels magic %#x", magic)
	}
	n := int(binary.BigEndian.Uint32(b[4:]))
	body := b[8:]
	if len(body) != n {
		return nil, errors.Errorf("labels file holds %d bytes, header says %d", len(body), n)
	}
	for i, l := range body {
		if int(l) >= nn.NumClasses {
			return nil, errors.Errorf("label %d at index %d out of range", l, i)
		}
	}
	return body, nil
}

func gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DownloadMNIST fetches any missing or corrupt MNIST files into
// root/MNIST/raw.
func DownloadMNIST(ctx context.Context, root string, logger *zap.Logger) error {
	dir := rawDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating dataset directory")
	}
	for _, f := range mnistFiles {
		path := filepath.Join(dir, f.name)
		if b, err := os.ReadFile(path); err == nil && checksum(b) == f.sha256 {
			continue
		}
		if err := download(ctx, http.DefaultClient, Mirrors, f, path, logger); err != nil {
			return err
		}
	}
	return nil
}

func download(ctx context.Context, client *http.Client, mirrors []string, f mnistFile, path string, logger *zap.Logger) error {
	var lastErr error
	for _, mirror := range mirrors {
		url := mirror + f.name
		logger.Info("Downloading", zap.String("url", url))
		err := fetch(ctx, client, url, f.sha256, path)
		if err == nil {
			return nil
		}
		logger.Warn("Failed to download", zap.String("url", url), zap.Error(err))
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Wrapf(lastErr, "downloading %s", f.name)
}

// fetch writes url to path through a temporary file, so a partial or corrupt
// download never replaces the destination.
func fetch(ctx context.Context, client *http.Client, url, want, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "writing download")
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return errors.Errorf("checksum mismatch: got %s", got)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}
