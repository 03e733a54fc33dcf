// Package face turns detector boxes into face crops.
package face

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/realitycheck/internal/types"
	"golang.org/x/image/draw"
)

// Detector finds faces in an image. Boxes may extend past the image bounds
// and come in no particular order.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error)
}

// Extractor crops detected faces out of frames.
type Extractor struct {
	Detector Detector
}

// NewExtractor returns an Extractor using d.
func NewExtractor(d Detector) *Extractor {
	return &Extractor{Detector: d}
}

// Extract returns one crop per detected face with a non-empty area after
// clamping to the frame. The result is empty, not nil-with-error, when the
// detector finds nothing.
func (e *Extractor) Extract(ctx context.Context, frame types.Frame) ([]types.FaceCrop, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", frame.Index)
	}

	boxes, err := e.Detector.Detect(ctx, frame.Image)
	if err != nil {
		return nil, fmt.Errorf("detect faces in frame %d: %w", frame.Index, err)
	}

	bounds := frame.Image.Bounds()
	crops := make([]types.FaceCrop, 0, len(boxes))
	for _, box := range boxes {
		r, ok := Clamp(box, bounds)
		if !ok {
			continue
		}
		crops = append(crops, types.FaceCrop{
			FrameIndex: frame.Index,
			Box:        r,
			Image:      Crop(frame.Image, r),
		})
	}
	return crops, nil
}

// Clamp limits box to bounds. ok is false when nothing of positive area remains.
func Clamp(box, bounds image.Rectangle) (image.Rectangle, bool) {
	// Canon puts inverted boxes (x2 < x1) right before intersecting.
	r := box.Canon().Intersect(bounds)
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return image.Rectangle{}, false
	}
	return r, true
}

// Crop copies r out of src into a new RGBA image with origin (0,0), so the
// crop never aliases the frame buffer.
func Crop(src image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}
