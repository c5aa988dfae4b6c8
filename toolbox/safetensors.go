package toolbox

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"slices"
)

const metadataKey = "__metadata__"

type SafeTensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets []int  `json:"data_offsets"`
}

// dtypeFor returns the narrowest safetensors integer dtype that holds every
// raw value of f, and its size in bytes.
func dtypeFor(f Format) (string, int) {
	switch {
	case f.Width <= 8:
		return "I8", 1
	case f.Width <= 16:
		return "I16", 2
	default:
		return "I32", 4
	}
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "I8":
		return 1, nil
	case "I16":
		return 2, nil
	case "I32":
		return 4, nil
	case "I64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

// WriteSafeTensors writes tensors in the safetensors format.  The Q format of
// each tensor is recorded in the header metadata as "<name>.format".
func WriteSafeTensors(w io.Writer, tensors map[string]*AFix) error {
	header := map[string]any{}
	metadata := map[string]string{}
	dataOffset := 0

	keys := []string{}
	for k := range tensors {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		t := tensors[k]
		if err := t.checkRange(); err != nil {
			return fmt.Errorf("while checking %s: %w", k, err)
		}
		dtype, size := dtypeFor(t.Format)

		begin := dataOffset
		dataOffset += len(t.V) * size
		end := dataOffset

		header[k] = SafeTensorInfo{
			DType:       dtype,
			Shape:       t.Shape,
			DataOffsets: []int{begin, end},
		}
		metadata[k+".format"] = t.Format.String()
	}
	header[metadataKey] = metadata

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("while marshaling header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return fmt.Errorf("while writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("while writing header: %w", err)
	}

	for _, k := range keys {
		if err := binary.Write(w, binary.LittleEndian, narrow(tensors[k])); err != nil {
			return fmt.Errorf("while writing %s values: %w", k, err)
		}
	}

	return nil
}

func narrow(t *AFix) any {
	switch dtype, _ := dtypeFor(t.Format); dtype {
	case "I8":
		out := make([]int8, len(t.V))
		for i, v := range t.V {
			out[i] = int8(v)
		}
		return out
	case "I16":
		out := make([]int16, len(t.V))
		for i, v := range t.V {
			out[i] = int16(v)
		}
		return out
	default:
		out := make([]int32, len(t.V))
		for i, v := range t.V {
			out[i] = int32(v)
		}
		return out
	}
}

func ReadSafeTensors(r io.Reader) (map[string]*AFix, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("while reading header length: %w", err)
	}
	if headerLen > 100<<20 {
		return nil, fmt.Errorf("header length %d is implausibly large", headerLen)
	}

	headerBytes := make([]byte, int(headerLen))
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("while reading header: %w", err)
	}

	rawHeader := map[string]json.RawMessage{}
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, fmt.Errorf("while reading header: %w", err)
	}

	metadata := map[string]string{}
	if m, ok := rawHeader[metadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, fmt.Errorf("while reading metadata: %w", err)
		}
		delete(rawHeader, metadataKey)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("while reading tensor data: %w", err)
	}

	tensors := map[string]*AFix{}
	for k, raw := range rawHeader {
		var hdr SafeTensorInfo
		if err := json.Unmarshal(raw, &hdr); err != nil {
			return nil, fmt.Errorf("while reading header for %s: %w", k, err)
		}

		f, err := ParseFormat(metadata[k+".format"])
		if err != nil {
			return nil, fmt.Errorf("while reading format of %s: %w", k, err)
		}

		elemSize, err := dtypeSize(hdr.DType)
		if err != nil {
			return nil, fmt.Errorf("while reading %s: %w", k, err)
		}
		if len(hdr.Shape) == 0 || len(hdr.Shape) > 2 {
			return nil, fmt.Errorf("unsupported shape %v", hdr.Shape)
		}

		size := 1
		for _, s := range hdr.Shape {
			if s < 1 {
				return nil, fmt.Errorf("bad shape %v", hdr.Shape)
			}
			if size > len(data)/elemSize/s {
				return nil, fmt.Errorf("shape %v of %s does not fit in %d bytes of data", hdr.Shape, k, len(data))
			}
			size *= s
		}

		if len(hdr.DataOffsets) != 2 {
			return nil, fmt.Errorf("bad data offsets %v for %s", hdr.DataOffsets, k)
		}
		begin, end := hdr.DataOffsets[0], hdr.DataOffsets[1]
		if begin < 0 || end > len(data) || end-begin != size*elemSize {
			return nil, fmt.Errorf("bad data offsets %v for %s", hdr.DataOffsets, k)
		}

		t := MakeAFix(f, hdr.Shape...)
		if err := widen(data[begin:end], hdr.DType, t.V); err != nil {
			return nil, fmt.Errorf("while decoding %s: %w", k, err)
		}
		if err := t.checkRange(); err != nil {
			return nil, fmt.Errorf("while checking %s: %w", k, err)
		}

		tensors[k] = t
	}

	return tensors, nil
}

func widen(b []byte, dtype string, out []int64) error {
	br := bytes.NewReader(b)
	switch dtype {
	case "I8":
		vs := make([]int8, len(out))
		if err := binary.Read(br, binary.LittleEndian, vs); err != nil {
			return err
		}
		for i, v := range vs {
			out[i] = int64(v)
		}
	case "I16":
		vs := make([]int16, len(out))
		if err := binary.Read(br, binary.LittleEndian, vs); err != nil {
			return err
		}
		for i, v := range vs {
			out[i] = int64(v)
		}
	case "I32":
		vs := make([]int32, len(out))
		if err := binary.Read(br, binary.LittleEndian, vs); err != nil {
			return err
		}
		for i, v := range vs {
			out[i] = int64(v)
		}
	case "I64":
		if err := binary.Read(br, binary.LittleEndian, out); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported dtype %s", dtype)
	}
	return nil
}
