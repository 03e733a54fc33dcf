// Package sampler pulls a deterministic subset of frames out of a video.
package sampler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/realitycheck/internal/types"
	"github.com/andresmejia3/realitycheck/internal/utils"
	"go.uber.org/zap"
)

// Sampler decodes videos and keeps the frames a Policy selects. If OutputDir
// is set, the directory is emptied at the start of every run and each sampled
// frame is written there as frame_<index>.jpg. Runs sharing an OutputDir must
// not overlap.
type Sampler struct {
	Decoder   Decoder
	OutputDir string
	Logger    *zap.Logger
}

// New returns a Sampler backed by ffmpeg.
func New(outputDir string, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{Decoder: FFmpegDecoder{}, OutputDir: outputDir, Logger: logger}
}

// Sample returns the frames selected by policy, in source order. A video that
// cannot be opened or decoded yields an empty slice and a nil error; the
// caller decides what "no frames" means. Frames that fail to decode are
// skipped. The error is non-nil only for an invalid policy or an unusable
// OutputDir.
func (s *Sampler) Sample(ctx context.Context, videoPath string, policy Policy) ([]types.Frame, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	log := s.logger().With(zap.String("video", videoPath), zap.String("mode", string(policy.Mode)))

	if s.OutputDir != "" {
		if err := utils.ClearDir(s.OutputDir); err != nil {
			return nil, fmt.Errorf("prepare frame dir: %w", err)
		}
	}

	var sel Selection
	switch policy.Mode {
	case FixedStride:
		sel = EveryNth(policy.Stride)
	case FixedCount:
		total := s.Decoder.TotalFrames(ctx, videoPath)
		if total <= 0 {
			log.Warn("video has no countable frames")
			return nil, nil
		}
		sel = AtIndices(FixedCountIndices(total, policy.Count))
		log.Debug("planned frame indices", zap.Int("total_frames", total), zap.Int("planned", sel.Len()))
	}

	fps, err := s.Decoder.FPS(ctx, videoPath)
	if err != nil {
		log.Debug("frame rate unknown, timestamps disabled", zap.Error(err))
		fps = 0
	}

	var frames []types.Frame
	ord := 0
	err = s.Decoder.Decode(ctx, videoPath, sel, func(data []byte) error {
		idx, ok := sel.SourceIndex(ord)
		ord++
		if !ok {
			return nil
		}

		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			log.Warn("skipping undecodable frame", zap.Int("frame", idx), zap.Error(err))
			return nil
		}

		frame := types.Frame{Index: idx, Image: img}
		if fps > 0 {
			frame.Timestamp = time.Duration(float64(idx) / fps * float64(time.Second))
		}
		if s.OutputDir != "" {
			path := filepath.Join(s.OutputDir, fmt.Sprintf("frame_%d.jpg", idx))
			if err := os.WriteFile(path, data, 0644); err != nil {
				log.Warn("failed to write frame artifact", zap.String("path", path), zap.Error(err))
			} else {
				frame.Path = path
			}
		}
		frames = append(frames, frame)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Keep whatever decoded before the failure.
		log.Warn("video decode failed", zap.Int("frames_kept", len(frames)), zap.Error(err))
	}

	log.Debug("sampling complete", zap.Int("frames", len(frames)))
	return frames, nil
}

func (s *Sampler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
