package checkpoint

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"strconv"
	"testing"
)

type torchEntry struct {
	name   string
	size   []int
	stride []int
	data   []float32
}

// writeTorchArchive lays out a state dict the way torch.save does: a zip with
// data.pkl referencing one raw little-endian storage file per tensor.
func writeTorchArchive(t *testing.T, path string, entries []torchEntry) {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	var pkl pickle
	pkl.raw(0x80, 0x02)
	pkl.global("collections", "OrderedDict")
	pkl.raw(')', 'R', '(')
	for i, e := range entries {
		key := strconv.Itoa(i)
		pkl.str(e.name)
		pkl.global("torch._utils", "_rebuild_tensor_v2")
		pkl.raw('(')
		pkl.raw('(')
		pkl.str("storage")
		pkl.global("torch", "FloatStorage")
		pkl.str(key)
		pkl.str("cpu")
		pkl.integer(len(e.data))
		pkl.raw('t', 'Q')
		pkl.integer(0)
		pkl.tuple(e.size)
		pkl.tuple(e.stride)
		pkl.raw(0x89)
		pkl.global("collections", "OrderedDict")
		pkl.raw(')', 'R', 't', 'R')

		raw := make([]byte, 4*len(e.data))
		for j, v := range e.data {
			binary.LittleEndian.PutUint32(raw[4*j:], math.Float32bits(v))
		}
		writeZipEntry(t, zw, "MLP/data/"+key, raw)
	}
	pkl.raw('u', '.')

	writeZipEntry(t, zw, "MLP/data.pkl", pkl.Bytes())
	writeZipEntry(t, zw, "MLP/version", []byte("3\n"))
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
}

func writeZipEntry(t *testing.T, zw *zip.Writer, name string, data []byte) {
	t.Helper()
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("zip create %s: %v", name, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zip write %s: %v", name, err)
	}
}

// pickle emits the protocol 2 opcodes torch.save uses for state dicts.
type pickle struct {
	bytes.Buffer
}

func (p *pickle) raw(ops ...byte) {
	p.Write(ops)
}

func (p *pickle) global(module, name string) {
	p.WriteByte('c')
	p.WriteString(module + "\n" + name + "\n")
}

func (p *pickle) str(s string) {
	p.WriteByte('X')
	binary.Write(&p.Buffer, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

func (p *pickle) integer(v int) {
	p.WriteByte('J')
	binary.Write(&p.Buffer, binary.LittleEndian, int32(v))
}

func (p *pickle) tuple(vals []int) {
	p.WriteByte('(')
	for _, v := range vals {
		p.integer(v)
	}
	p.WriteByte('t')
}
