package sampler

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"
)

// fakeDecoder serves an in-memory list of encoded frames, honouring the
// Selection the same way ffmpeg's select filter would.
type fakeDecoder struct {
	frames  [][]byte
	total   int // reported by TotalFrames; defaults to len(frames)
	fps     float64
	openErr error
}

func (f *fakeDecoder) TotalFrames(context.Context, string) int {
	if f.total != 0 {
		return f.total
	}
	return len(f.frames)
}

func (f *fakeDecoder) FPS(context.Context, string) (float64, error) {
	if f.fps == 0 {
		return 0, errors.New("no fps")
	}
	return f.fps, nil
}

func (f *fakeDecoder) Decode(_ context.Context, _ string, sel Selection, emit func([]byte) error) error {
	if f.openErr != nil {
		return f.openErr
	}
	for n, data := range f.frames {
		if !sel.Keep(n) {
			continue
		}
		if err := emit(data); err != nil {
			return err
		}
	}
	return nil
}

func encodeFrame(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.Set(0, 0, color.RGBA{A: 255})
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func videoOf(t *testing.T, n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = encodeFrame(t, uint8(i))
	}
	return frames
}

func frameIndices(t *testing.T, s *Sampler, p Policy) []int {
	t.Helper()
	frames, err := s.Sample(context.Background(), "video.mp4", p)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	got := make([]int, len(frames))
	for i, f := range frames {
		got[i] = f.Index
	}
	return got
}

func TestFixedCountIndices(t *testing.T) {
	tests := []struct {
		name  string
		total int
		k     int
		want  []int
	}{
		{"even split", 80, 8, []int{0, 10, 20, 30, 40, 50, 60, 70}},
		{"floor division", 100, 8, []int{0, 12, 25, 37, 50, 62, 75, 87}},
		{"exactly k", 8, 8, []int{0, 1, 2, 3, 4, 5, 6, 7}},
		{"fewer frames than k collapses repeats", 3, 8, []int{0, 1, 2}},
		{"empty video", 0, 8, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FixedCountIndices(tt.total, tt.k); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FixedCountIndices(%d, %d) = %v, want %v", tt.total, tt.k, got, tt.want)
			}
		})
	}
}

func TestFixedCountIndices_AlwaysK(t *testing.T) {
	// For T >= K the plan has exactly K distinct indices at floor(i*T/K)
	for total := 8; total < 500; total += 7 {
		got := FixedCountIndices(total, 8)
		if len(got) != 8 {
			t.Fatalf("T=%d: expected 8 indices, got %d", total, len(got))
		}
		for i, idx := range got {
			if want := i * total / 8; idx != want {
				t.Errorf("T=%d: index %d = %d, want %d", total, i, idx, want)
			}
		}
	}
}

func TestSelectionExpr(t *testing.T) {
	if got := EveryNth(30).Expr(); got != `not(mod(n\,30))` {
		t.Errorf("stride expr = %q", got)
	}
	if got := EveryNth(1).Expr(); got != "" {
		t.Errorf("stride 1 should select everything, got %q", got)
	}
	if got := AtIndices([]int{20, 0, 10, 10}).Expr(); got != `eq(n\,0)+eq(n\,10)+eq(n\,20)` {
		t.Errorf("indices expr = %q", got)
	}
	if AtIndices(nil).Keep(0) {
		t.Error("An empty index selection must not keep any frame")
	}
}

func TestSample_FixedStride(t *testing.T) {
	s := &Sampler{Decoder: &fakeDecoder{frames: videoOf(t, 95)}}
	got := frameIndices(t, s, Policy{Mode: FixedStride, Stride: 30})
	if want := []int{0, 30, 60, 90}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected indices %v, got %v", want, got)
	}
}

func TestSample_FixedCount(t *testing.T) {
	s := &Sampler{Decoder: &fakeDecoder{frames: videoOf(t, 50)}}
	got := frameIndices(t, s, Policy{Mode: FixedCount, Count: 8})
	want := FixedCountIndices(50, 8)
	if len(got) != 8 || !reflect.DeepEqual(got, want) {
		t.Errorf("Expected indices %v, got %v", want, got)
	}
}

func TestSample_Timestamps(t *testing.T) {
	s := &Sampler{Decoder: &fakeDecoder{frames: videoOf(t, 61), fps: 30}}
	frames, err := s.Sample(context.Background(), "video.mp4", Policy{Mode: FixedStride, Stride: 30})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	if frames[2].Timestamp != 2*time.Second {
		t.Errorf("Expected frame 60 at 2s, got %v", frames[2].Timestamp)
	}
}

func TestSample_NoFrames(t *testing.T) {
	tests := []struct {
		name    string
		decoder *fakeDecoder
		policy  Policy
	}{
		{"unopenable video", &fakeDecoder{openErr: errors.New("moov atom not found")}, DefaultPolicy()},
		{"zero frame count", &fakeDecoder{}, Policy{Mode: FixedCount, Count: 8}},
		{"empty stream", &fakeDecoder{}, DefaultPolicy()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Sampler{Decoder: tt.decoder}
			frames, err := s.Sample(context.Background(), "video.mp4", tt.policy)
			if err != nil {
				t.Fatalf("Expected empty result without error, got %v", err)
			}
			if len(frames) != 0 {
				t.Errorf("Expected no frames, got %d", len(frames))
			}
		})
	}
}

func TestSample_SkipsUndecodableFrames(t *testing.T) {
	frames := videoOf(t, 3)
	frames[1] = []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9} // Valid markers, garbage body

	s := &Sampler{Decoder: &fakeDecoder{frames: frames}}
	got := frameIndices(t, s, Policy{Mode: FixedStride, Stride: 1})
	if want := []int{0, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected indices %v, got %v", want, got)
	}
}

func TestSample_InvalidPolicy(t *testing.T) {
	s := &Sampler{Decoder: &fakeDecoder{}}
	for _, p := range []Policy{
		{Mode: FixedStride, Stride: 0},
		{Mode: FixedCount, Count: 0},
		{Mode: "random"},
	} {
		if _, err := s.Sample(context.Background(), "video.mp4", p); err == nil {
			t.Errorf("Expected error for policy %+v", p)
		}
	}
}

func TestSample_OutputDirIsClearedBetweenRuns(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "frame_999.jpg")
	if err := os.WriteFile(stale, []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	s := &Sampler{Decoder: &fakeDecoder{frames: videoOf(t, 40)}, OutputDir: dir}
	frames, err := s.Sample(context.Background(), "video.mp4", Policy{Mode: FixedStride, Stride: 30})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Stale frame from previous run was not removed")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("Expected 2 frame artifacts, found %d", len(entries))
	}
	for _, f := range frames {
		if f.Path == "" {
			t.Errorf("Frame %d has no artifact path", f.Index)
			continue
		}
		if filepath.Base(f.Path) != "frame_"+strconv.Itoa(f.Index)+".jpg" {
			t.Errorf("Unexpected artifact name %s", f.Path)
		}
	}
}
