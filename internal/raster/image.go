package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

var errMalformedTIFF = errors.New("malformed TIFF header or IFD chain")

// decodeImageFile decodes one page of a TIFF file or the single image of a PNG.
func decodeImageFile(path string, index int) (*Raster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster %s: %w", path, err)
	}

	var img image.Image
	if strings.ToLower(filepath.Ext(path)) == ".png" {
		if index != 0 {
			return nil, fmt.Errorf("%w: %s has a single page, requested %d", ErrIndexOutOfRange, path, index)
		}
		img, err = png.Decode(bytes.NewReader(data))
	} else {
		if data, err = selectTIFFPage(data, index); err != nil {
			return nil, fmt.Errorf("failed to select page %d of %s: %w", index, path, err)
		}
		img, err = tiff.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode raster %s: %w", path, err)
	}
	return FromImage(img), nil
}

// selectTIFFPage returns a copy of a classic TIFF whose header points at the
// IFD of the requested page. Strip and tile offsets are absolute, so the
// other pages can stay in place.
func selectTIFFPage(data []byte, index int) ([]byte, error) {
	if len(data) < 8 {
		return nil, errMalformedTIFF
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, errMalformedTIFF
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("%w: not a classic TIFF", ErrUnsupportedFormat)
	}
	if index == 0 {
		return data, nil
	}

	offset := order.Uint32(data[4:8])
	seen := make(map[uint32]bool)
	for page := 0; page < index; page++ {
		if offset == 0 {
			return nil, fmt.Errorf("%w: %d of %d pages", ErrIndexOutOfRange, index, page)
		}
		if seen[offset] || int64(offset)+2 > int64(len(data)) {
			return nil, errMalformedTIFF
		}
		seen[offset] = true

		entries := int64(order.Uint16(data[offset : offset+2]))
		next := int64(offset) + 2 + entries*12
		if next+4 > int64(len(data)) {
			return nil, errMalformedTIFF
		}
		offset = order.Uint32(data[next : next+4])
	}
	if offset == 0 {
		return nil, fmt.Errorf("%w: %d of %d pages", ErrIndexOutOfRange, index, index)
	}

	out := make([]byte, len(data))
	copy(out, data)
	order.PutUint32(out[4:8], offset)
	return out, nil
}

// FromImage converts a decoded image to a single-channel raster.
// Grayscale images keep their full bit depth; other models are converted to 16-bit gray.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := &Raster{Data: make([]float32, w*h), Width: w, Height: h}

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Data[y*w+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			for x, v := range row {
				out.Data[y*w+x] = float32(v)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				out.Data[y*w+x] = float32(g.Y)
			}
		}
	}
	return out
}
