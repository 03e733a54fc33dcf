package types

import (
	"image"
	"time"
)

// Frame is a decoded frame sampled from a video.
type Frame struct {
	Index     int
	Timestamp time.Duration
	Image     image.Image
	Path      string // On-disk JPEG artifact, empty if none was written
}

// FaceCrop is a face region copied out of a Frame. Box is in frame coordinates
// and always has a positive area.
type FaceCrop struct {
	FrameIndex int
	Box        image.Rectangle
	Image      image.Image
}

// Box is the JSON form of a bounding box: [x1,y1) to [x2,y2).
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// BoxFromRect converts an image.Rectangle into a Box.
func BoxFromRect(r image.Rectangle) *Box {
	return &Box{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// UnitKind tells whether a score came from a face crop or a whole frame.
type UnitKind string

const (
	UnitFace  UnitKind = "face"
	UnitFrame UnitKind = "frame"
)

// Unit is one scored item of a video.
type Unit struct {
	Kind       UnitKind      `json:"kind"`
	FrameIndex int           `json:"frame_index"`
	Timestamp  time.Duration `json:"-"`
	Seconds    float64       `json:"timestamp_seconds"`
	Box        *Box          `json:"box,omitempty"`
	Score      float64       `json:"score"`
	FramePath  string        `json:"-"`
}
