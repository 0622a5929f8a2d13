package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	idxImagesMagic = 0x00000803
	idxLabelsMagic = 0x00000801

	// maxIDXPayload caps the payload a header may claim. The full MNIST
	// training images are about 47 MB.
	maxIDXPayload = 1 << 30
)

// readIDX opens an IDX file, gzip-compressed or not, and returns its
// dimensions and payload.
func readIDX(path string) (magic uint32, dims []int, data []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("open idx: %w", err)
	}
	defer f.Close()

	limit := int64(maxIDXPayload)
	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, err := br.Peek(2); err == nil && head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	} else if info, err := f.Stat(); err == nil && info.Size() < limit {
		limit = info.Size()
	}

	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return 0, nil, nil, fmt.Errorf("read idx header %s: %w", path, err)
	}
	if magic>>16 != 0 || (magic>>8)&0xff != 0x08 {
		return 0, nil, nil, fmt.Errorf("idx %s: bad magic %#08x", path, magic)
	}
	ndims := int(magic & 0xff)
	total := int64(1)
	for i := 0; i < ndims; i++ {
		var d uint32
		if err := binary.Read(r, binary.BigEndian, &d); err != nil {
			return 0, nil, nil, fmt.Errorf("read idx dims %s: %w", path, err)
		}
		dims = append(dims, int(d))
		// Checked before multiplying so the product never overflows.
		if d != 0 && total > limit/int64(d) {
			return 0, nil, nil, fmt.Errorf("idx %s: dims %v exceed %d bytes", path, dims, limit)
		}
		total *= int64(d)
	}

	data = make([]byte, total)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, nil, fmt.Errorf("read idx payload %s: %w", path, err)
	}
	return magic, dims, data, nil
}

func readIDXImages(path string) (count, rows, cols int, pixels []byte, err error) {
	magic, dims, data, err := readIDX(path)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	if magic != idxImagesMagic || len(dims) != 3 {
		return 0, 0, 0, nil, fmt.Errorf("idx %s: not an image file (magic %#08x)", path, magic)
	}
	return dims[0], dims[1], dims[2], data, nil
}

func readIDXLabels(path string) ([]int, error) {
	magic, dims, data, err := readIDX(path)
	if err != nil {
		return nil, err
	}
	if magic != idxLabelsMagic || len(dims) != 1 {
		return nil, fmt.Errorf("idx %s: not a label file (magic %#08x)", path, magic)
	}
	labels := make([]int, len(data))
	for i, b := range data {
		labels[i] = int(b)
	}
	return labels, nil
}
