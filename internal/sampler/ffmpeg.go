package sampler

import (
	"bufio"
	"context"
	"fmt"

	"github.com/andresmejia3/realitycheck/internal/utils"
)

const megabyte = 1024 * 1024

// Decoder turns a video file into a stream of encoded frames.
type Decoder interface {
	// TotalFrames returns the number of frames in the video, 0 if unknown.
	TotalFrames(ctx context.Context, path string) int
	// FPS returns the video frame rate.
	FPS(ctx context.Context, path string) (float64, error)
	// Decode calls emit with each selected frame as JPEG bytes, in source
	// order. data is only valid for the duration of the call.
	Decode(ctx context.Context, path string, sel Selection, emit func(data []byte) error) error
}

// FFmpegDecoder streams frames out of an ffmpeg child process.
type FFmpegDecoder struct{}

func (FFmpegDecoder) TotalFrames(ctx context.Context, path string) int {
	return utils.GetTotalFrames(ctx, path)
}

func (FFmpegDecoder) FPS(ctx context.Context, path string) (float64, error) {
	return utils.GetVideoFPS(ctx, path)
}

func (FFmpegDecoder) Decode(ctx context.Context, path string, sel Selection, emit func(data []byte) error) error {
	// Ensure ffmpeg is killed if we bail out early
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ffmpeg := utils.NewFFmpegCmd(ctx, path, sel.Expr())
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	// Frame splitter
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	var emitErr error
	for scanner.Scan() {
		if emitErr = emit(scanner.Bytes()); emitErr != nil {
			break
		}
	}
	scanErr := scanner.Err()

	if emitErr != nil {
		cancel()
		ffmpeg.Wait()
		return emitErr
	}

	if err := ffmpeg.Wait(); err != nil {
		if ffmpeg.Stderr.Len() > 0 {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, ffmpeg.Stderr.String())
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("frame scanner failed: %w", scanErr)
	}
	return nil
}
