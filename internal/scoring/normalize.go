package scoring

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"reflect"

	"golang.org/x/image/draw"
)

// ErrUnsupportedInput is returned for inputs the scorer cannot turn into an
// RGB raster.
var ErrUnsupportedInput = errors.New("unsupported image input")

// BGR is a raw pixel buffer in blue-green-red byte order, three bytes per
// pixel, as produced by OpenCV-style decoders. Stride 0 means Width*3.
type BGR struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
}

func (b *BGR) stride() int {
	if b.Stride == 0 {
		return b.Width * 3
	}
	return b.Stride
}

func (b *BGR) validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: BGR buffer is %dx%d", ErrUnsupportedInput, b.Width, b.Height)
	}
	if b.stride() < b.Width*3 {
		return fmt.Errorf("%w: BGR stride %d shorter than row", ErrUnsupportedInput, b.stride())
	}
	if need := (b.Height-1)*b.stride() + b.Width*3; len(b.Pix) < need {
		return fmt.Errorf("%w: BGR buffer has %d bytes, need %d", ErrUnsupportedInput, len(b.Pix), need)
	}
	return nil
}

// ColorModel, Bounds and At let a BGR buffer be drawn like any image.Image.
func (b *BGR) ColorModel() color.Model { return color.RGBAModel }

func (b *BGR) Bounds() image.Rectangle { return image.Rect(0, 0, b.Width, b.Height) }

func (b *BGR) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(b.Bounds())) {
		return color.RGBA{}
	}
	i := y*b.stride() + x*3
	return color.RGBA{R: b.Pix[i+2], G: b.Pix[i+1], B: b.Pix[i], A: 255}
}

// toRGBA swaps channel order into a fresh RGBA image.
func (b *BGR) toRGBA() *image.RGBA {
	dst := image.NewRGBA(b.Bounds())
	for y := 0; y < b.Height; y++ {
		src := b.Pix[y*b.stride() : y*b.stride()+b.Width*3]
		row := dst.Pix[y*dst.Stride : y*dst.Stride+b.Width*4]
		for x := 0; x < b.Width; x++ {
			row[x*4+0] = src[x*3+2]
			row[x*4+1] = src[x*3+1]
			row[x*4+2] = src[x*3+0]
			row[x*4+3] = 255
		}
	}
	return dst
}

// Normalize converts any accepted input into an opaque RGBA raster with
// origin (0,0). Accepted inputs are image.Image, *BGR, a file path (string)
// and encoded image bytes ([]byte). If size > 0 the result is resized to
// size x size.
func Normalize(input any, size int) (*image.RGBA, error) {
	var src image.Image
	switch v := input.(type) {
	case *BGR:
		if v == nil {
			return nil, fmt.Errorf("%w: nil BGR buffer", ErrUnsupportedInput)
		}
		if err := v.validate(); err != nil {
			return nil, err
		}
		src = v.toRGBA()
	case BGR:
		return Normalize(&v, size)
	case string:
		f, err := os.Open(v)
		if err != nil {
			return nil, fmt.Errorf("open image: %w", err)
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrUnsupportedInput, v, err)
		}
		src = img
	case []byte:
		img, _, err := image.Decode(bytes.NewReader(v))
		if err != nil {
			return nil, fmt.Errorf("%w: decode bytes: %v", ErrUnsupportedInput, err)
		}
		src = img
	case image.Image:
		if isNil(v) {
			return nil, fmt.Errorf("%w: nil %T", ErrUnsupportedInput, v)
		}
		src = v
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedInput, input)
	}

	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedInput)
	}

	if size <= 0 {
		if rgba, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) && opaque(rgba) {
			return rgba, nil
		}
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		fillOpaque(dst)
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
		return dst, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	fillOpaque(dst)
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst, nil
}

// isNil reports whether img is nil or a nil pointer, map or slice wrapped in
// a non-nil interface.
func isNil(img image.Image) bool {
	if img == nil {
		return true
	}
	switch v := reflect.ValueOf(img); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// fillOpaque paints dst black so transparent sources composite onto a
// defined background, matching PIL's convert("RGB").
func fillOpaque(dst *image.RGBA) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
}

func opaque(img *image.RGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			return false
		}
	}
	return true
}
