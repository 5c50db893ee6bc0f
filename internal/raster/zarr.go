package raster

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// zarrArrayMeta is the subset of Zarr v3 array metadata (zarr.json) used for rasters.
type zarrArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
}

func (m *zarrArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

func (m *zarrArrayMeta) bigEndian() bool {
	for _, c := range m.Codecs {
		if c.Name == "bytes" {
			if e, ok := c.Configuration["endian"].(string); ok && e == "big" {
				return true
			}
		}
	}
	return false
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8":
		return 1, nil
	case "uint16":
		return 2, nil
	case "uint32", "int32", "float32":
		return 4, nil
	default:
		return 0, fmt.Errorf("%w: zarr data_type %s", ErrUnsupportedFormat, dataType)
	}
}

func loadArrayMeta(arrayPath string) (*zarrArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read zarr.json: %w", err)
	}
	var meta zarrArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse zarr.json: %w", err)
	}
	return &meta, nil
}

// decodeZarr reads one [height, width] plane of a 2-D or 3-D ([pages, height, width]) Zarr v3 array.
// Chunks along the page axis must have length 1.
func (d *FileDecoder) decodeZarr(arrayPath string, index int) (*Raster, error) {
	meta, err := loadArrayMeta(arrayPath)
	if err != nil {
		return nil, err
	}

	shape, chunk := meta.Shape, meta.ChunkGrid.Configuration.ChunkShape
	if len(shape) != len(chunk) || (len(shape) != 2 && len(shape) != 3) {
		return nil, fmt.Errorf("%w: zarr shape %v chunk %v", ErrUnsupportedFormat, shape, chunk)
	}
	pages := 1
	if len(shape) == 3 {
		if chunk[0] != 1 {
			return nil, fmt.Errorf("%w: page chunk length %d", ErrUnsupportedFormat, chunk[0])
		}
		pages = shape[0]
		shape, chunk = shape[1:], chunk[1:]
	}
	if index >= pages {
		return nil, fmt.Errorf("%w: %d of %d pages", ErrIndexOutOfRange, index, pages)
	}

	height, width := shape[0], shape[1]
	chunkH, chunkW := chunk[0], chunk[1]
	if chunkH <= 0 || chunkW <= 0 {
		return nil, fmt.Errorf("%w: chunk shape %v", ErrUnsupportedFormat, chunk)
	}
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	var order binary.ByteOrder = binary.LittleEndian
	if meta.bigEndian() {
		order = binary.BigEndian
	}

	out := &Raster{Data: make([]float32, width*height), Width: width, Height: height}
	exact := exactInts(meta.DataType)
	if exact {
		out.Ints = make([]int64, width*height)
	}
	fill := fillValue(meta.FillValue)

	for cy := 0; cy*chunkH < height; cy++ {
		for cx := 0; cx*chunkW < width; cx++ {
			indices := []int{cy, cx}
			if len(meta.Shape) == 3 {
				indices = []int{index, cy, cx}
			}
			data, err := d.readChunk(arrayPath, meta, indices)
			if err != nil {
				return nil, fmt.Errorf("failed to read chunk %v: %w", indices, err)
			}
			if data != nil && len(data) < chunkH*chunkW*size {
				return nil, fmt.Errorf("chunk %v too short: got %d bytes, expected %d", indices, len(data), chunkH*chunkW*size)
			}

			rows := min(chunkH, height-cy*chunkH)
			cols := min(chunkW, width-cx*chunkW)
			for r := 0; r < rows; r++ {
				dst := (cy*chunkH+r)*width + cx*chunkW
				for c := 0; c < cols; c++ {
					if data == nil {
						out.Data[dst+c] = float32(fill)
						if exact {
							out.Ints[dst+c] = int64(fill)
						}
						continue
					}
					off := (r*chunkW + c) * size
					b := data[off : off+size]
					out.Data[dst+c] = decodeElement(meta.DataType, order, b)
					if exact {
						out.Ints[dst+c] = decodeInt(meta.DataType, order, b)
					}
				}
			}
		}
	}

	return out, nil
}

// readChunk returns the decompressed chunk bytes, or nil when the chunk is absent (all fill value).
func (d *FileDecoder) readChunk(arrayPath string, meta *zarrArrayMeta, indices []int) ([]byte, error) {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	key := strings.Join(parts, sep)

	var chunkPath string
	if meta.ChunkKeyEncoding.Name == "v2" {
		chunkPath = filepath.Join(arrayPath, filepath.FromSlash(key))
	} else {
		chunkPath = filepath.Join(arrayPath, "c", filepath.FromSlash(key))
	}

	raw, err := os.ReadFile(chunkPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !meta.compressed() {
		return raw, nil
	}

	decompressed, err := d.zstd.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func decodeElement(dataType string, order binary.ByteOrder, b []byte) float32 {
	switch dataType {
	case "uint8":
		return float32(b[0])
	case "uint16":
		return float32(order.Uint16(b))
	case "uint32":
		return float32(order.Uint32(b))
	case "int32":
		return float32(int32(order.Uint32(b)))
	case "float32":
		return math.Float32frombits(order.Uint32(b))
	}
	return 0
}

// exactInts reports whether a dtype holds integers that float32 cannot represent exactly.
func exactInts(dataType string) bool {
	return dataType == "uint32" || dataType == "int32"
}

func decodeInt(dataType string, order binary.ByteOrder, b []byte) int64 {
	if dataType == "int32" {
		return int64(int32(order.Uint32(b)))
	}
	return int64(order.Uint32(b))
}

func fillValue(v interface{}) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
