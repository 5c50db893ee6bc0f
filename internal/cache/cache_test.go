package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/raster"
)

type countingDecoder struct {
	calls int
	err   error
}

func (d *countingDecoder) Decode(ctx context.Context, loc raster.Locator) (*raster.Raster, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &raster.Raster{Data: []float32{float32(loc.Index)}, Width: 1, Height: 1}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{OverlayCacheSizeMB: 8, OverlayTTL: time.Minute, RasterEntries: 2})
	if err != nil {
		t.Fatalf("failed to create cache manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestOverlayKey(t *testing.T) {
	a := OverlayKey("set1", "CD8 Mean", "viridis", 512, false)
	b := OverlayKey("set1", "CD8 Mean", "viridis", 512, true)
	c := OverlayKey("set2", "CD8 Mean", "viridis", 512, false)
	if a == b || a == c {
		t.Fatalf("expected distinct keys, got %q %q %q", a, b, c)
	}
	if a != OverlayKey("set1", "CD8 Mean", "viridis", 512, false) {
		t.Fatal("expected stable key")
	}
}

func TestOverlayRoundTrip(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetOverlay("k", []byte("png")); err != nil {
		t.Fatalf("SetOverlay error: %v", err)
	}
	if got, ok := m.GetOverlay("k"); !ok || string(got) != "png" {
		t.Fatalf("unexpected overlay: %q %v", got, ok)
	}
	if err := m.InvalidateOverlays(); err != nil {
		t.Fatalf("InvalidateOverlays error: %v", err)
	}
	if _, ok := m.GetOverlay("k"); ok {
		t.Fatal("expected overlay to be dropped")
	}
}

func TestOverlayLargeEntries(t *testing.T) {
	m, err := NewManager(Config{OverlayCacheSizeMB: 32, OverlayTTL: time.Minute, RasterEntries: 2})
	if err != nil {
		t.Fatalf("failed to create cache manager: %v", err)
	}
	defer m.Close()

	for _, size := range []int{600 << 10, 1536 << 10} {
		data := bytes.Repeat([]byte{0x89}, size)
		key := OverlayKey("set1", "CD8 Mean", "viridis", size, false)
		if err := m.SetOverlay(key, data); err != nil {
			t.Fatalf("SetOverlay(%d bytes) error: %v", size, err)
		}
		got, ok := m.GetOverlay(key)
		if !ok || len(got) != size {
			t.Fatalf("expected cached overlay of %d bytes, got %d (hit=%v)", size, len(got), ok)
		}
	}

	// 32MB over 16 shards leaves 2MB per shard.
	if err := m.SetOverlay("too-big", make([]byte, 3<<20)); err == nil {
		t.Fatal("expected error for overlay larger than a shard")
	}
}

func TestDecoder(t *testing.T) {
	m := newTestManager(t)

	t.Run("cachesHits", func(t *testing.T) {
		inner := &countingDecoder{}
		d := NewDecoder(inner, m)
		loc := raster.Locator{Path: "/data/a.tiff", Index: 3}
		for i := 0; i < 3; i++ {
			r, err := d.Decode(context.Background(), loc)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if r.Data[0] != 3 {
				t.Fatalf("unexpected raster data %v", r.Data)
			}
		}
		if inner.calls != 1 {
			t.Fatalf("expected 1 underlying decode, got %d", inner.calls)
		}

		d.Forget(loc)
		d.Decode(context.Background(), loc)
		if inner.calls != 2 {
			t.Fatalf("expected decode after Forget, got %d calls", inner.calls)
		}
	})

	t.Run("errorsNotCached", func(t *testing.T) {
		inner := &countingDecoder{err: errors.New("boom")}
		d := NewDecoder(inner, m)
		loc := raster.Locator{Path: "/data/bad.tiff"}
		d.Decode(context.Background(), loc)
		d.Decode(context.Background(), loc)
		if inner.calls != 2 {
			t.Fatalf("expected 2 underlying decodes, got %d", inner.calls)
		}
	})
}
