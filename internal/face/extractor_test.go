package face

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/andresmejia3/realitycheck/internal/types"
)

type stubDetector struct {
	boxes []image.Rectangle
	err   error
}

func (s stubDetector) Detect(context.Context, image.Image) ([]image.Rectangle, error) {
	return s.boxes, s.err
}

func testFrame(w, h int) types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	return types.Frame{Index: 30, Image: img}
}

func TestClamp(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 50)
	tests := []struct {
		name   string
		box    image.Rectangle
		want   image.Rectangle
		wantOK bool
	}{
		{"inside", image.Rect(10, 10, 20, 20), image.Rect(10, 10, 20, 20), true},
		{"negative origin", image.Rect(-10, -5, 20, 20), image.Rect(0, 0, 20, 20), true},
		{"past right and bottom", image.Rect(90, 40, 130, 80), image.Rect(90, 40, 100, 50), true},
		{"fully outside", image.Rect(120, 10, 140, 20), image.Rectangle{}, false},
		{"zero width", image.Rect(10, 10, 10, 20), image.Rectangle{}, false},
		{"collapses at edge", image.Rect(100, 0, 110, 10), image.Rectangle{}, false},
		{"inverted corners", image.Rect(20, 20, 10, 10), image.Rect(10, 10, 20, 20), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Clamp(tt.box, bounds)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Clamp(%v) = %v, %v; want %v, %v", tt.box, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	frame := testFrame(64, 48)
	ex := NewExtractor(stubDetector{boxes: []image.Rectangle{
		image.Rect(10, 5, 30, 25),   // valid
		image.Rect(-20, -20, -1, -1), // entirely off-frame
		image.Rect(60, 40, 80, 60),   // clamped to 4x8
	}})

	crops, err := ex.Extract(context.Background(), frame)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(crops) != 2 {
		t.Fatalf("Expected 2 crops, got %d", len(crops))
	}

	first := crops[0]
	if first.FrameIndex != 30 {
		t.Errorf("Expected frame index 30, got %d", first.FrameIndex)
	}
	if b := first.Image.Bounds(); b.Dx() != 20 || b.Dy() != 20 || b.Min != (image.Point{}) {
		t.Errorf("Unexpected crop bounds %v", b)
	}
	// Pixel (0,0) of the crop is pixel (10,5) of the frame
	r, g, _, _ := first.Image.At(0, 0).RGBA()
	if r>>8 != 10 || g>>8 != 5 {
		t.Errorf("Crop origin has color r=%d g=%d, want 10,5", r>>8, g>>8)
	}

	if second := crops[1].Box; second != image.Rect(60, 40, 64, 48) {
		t.Errorf("Expected clamped box, got %v", second)
	}
}

func TestExtract_NoFaces(t *testing.T) {
	crops, err := NewExtractor(stubDetector{}).Extract(context.Background(), testFrame(8, 8))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(crops) != 0 {
		t.Errorf("Expected no crops, got %d", len(crops))
	}
}

func TestExtract_DetectorError(t *testing.T) {
	boom := errors.New("detector crashed")
	_, err := NewExtractor(stubDetector{err: boom}).Extract(context.Background(), testFrame(8, 8))
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped detector error, got %v", err)
	}
}

func TestCrop_DoesNotAlias(t *testing.T) {
	frame := testFrame(16, 16)
	crop := Crop(frame.Image, image.Rect(0, 0, 4, 4))
	crop.Set(0, 0, color.RGBA{R: 255, A: 255})

	if r, _, _, _ := frame.Image.At(0, 0).RGBA(); r>>8 == 255 {
		t.Error("Writing to the crop modified the frame")
	}
}
