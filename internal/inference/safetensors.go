package inference

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxHeaderBytes bounds the JSON header so a corrupted length prefix cannot
// trigger a huge allocation.
const maxHeaderBytes = 100 << 20

var ErrCorruptWeights = errors.New("weights file is corrupt")

// WeightsInfo summarizes a safetensors file without loading tensor data.
type WeightsInfo struct {
	Tensors    int
	DataBytes  int64
	HeaderSize int64
	Metadata   map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// InspectWeights parses the safetensors header of path and checks that the
// declared tensor data fits the file exactly, which catches truncated
// downloads that would otherwise fail deep inside the model runtime.
func InspectWeights(path string) (*WeightsInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var prefix [8]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: read header length: %v", ErrCorruptWeights, err)
	}
	n := binary.LittleEndian.Uint64(prefix[:])
	if n == 0 || n > maxHeaderBytes || int64(n)+8 > st.Size() {
		return nil, fmt.Errorf("%w: header length %d out of range for %d byte file", ErrCorruptWeights, n, st.Size())
	}
	header := make([]byte, n)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorruptWeights, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, fmt.Errorf("%w: header is not json: %v", ErrCorruptWeights, err)
	}
	info := &WeightsInfo{HeaderSize: int64(n)}
	for name, raw := range entries {
		if name == "__metadata__" {
			_ = json.Unmarshal(raw, &info.Metadata)
			continue
		}
		var th tensorHeader
		if err := json.Unmarshal(raw, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptWeights, name, err)
		}
		if th.DType == "" || len(th.DataOffsets) != 2 || th.DataOffsets[0] > th.DataOffsets[1] || th.DataOffsets[0] < 0 {
			return nil, fmt.Errorf("%w: tensor %s has an invalid descriptor", ErrCorruptWeights, name)
		}
		if th.DataOffsets[1] > info.DataBytes {
			info.DataBytes = th.DataOffsets[1]
		}
		info.Tensors++
	}
	if info.Tensors == 0 {
		return nil, fmt.Errorf("%w: no tensors declared", ErrCorruptWeights)
	}
	if want := 8 + int64(n) + info.DataBytes; want != st.Size() {
		return nil, fmt.Errorf("%w: expected %d bytes, file has %d", ErrCorruptWeights, want, st.Size())
	}
	return info, nil
}
