// Package pipeline runs a video through sampling, face extraction, scoring
// and aggregation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/realitycheck/internal/metrics"
	"github.com/andresmejia3/realitycheck/internal/report"
	"github.com/andresmejia3/realitycheck/internal/sampler"
	"github.com/andresmejia3/realitycheck/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	// ErrNoFrames means the sampler produced nothing: the video is empty,
	// corrupt or could not be opened.
	ErrNoFrames = errors.New("no frames could be sampled from the video")
	// ErrNoFacesDetected means every sampled frame had zero valid face crops.
	ErrNoFacesDetected = errors.New("no faces detected in any sampled frame")
	// ErrDetectionFailed means the face detector returned an error for every
	// sampled frame, so nothing is known about the video's faces.
	ErrDetectionFailed = errors.New("face detection failed on every sampled frame")
)

// Strategy decides what a scored unit is.
type Strategy string

const (
	// StrategyFaces scores every face crop. A frame with several faces
	// contributes several units and frames without faces contribute none.
	StrategyFaces Strategy = "faces"
	// StrategyFrames scores whole frames and never runs detection.
	StrategyFrames Strategy = "frames"
	// StrategyFacesOrFrame scores the faces of a frame, or the whole frame
	// when it has none.
	StrategyFacesOrFrame Strategy = "faces-or-frame"
)

// ParseStrategy validates a strategy name. The empty string selects
// StrategyFaces.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyFaces, nil
	case StrategyFaces, StrategyFrames, StrategyFacesOrFrame:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown unit strategy %q (want faces, frames or faces-or-frame)", s)
}

// FrameSampler is implemented by *sampler.Sampler.
type FrameSampler interface {
	Sample(ctx context.Context, videoPath string, policy sampler.Policy) ([]types.Frame, error)
}

// FaceExtractor is implemented by *face.Extractor.
type FaceExtractor interface {
	Extract(ctx context.Context, frame types.Frame) ([]types.FaceCrop, error)
}

// UnitScorer is implemented by *scoring.Scorer.
type UnitScorer interface {
	Score(ctx context.Context, input any) (float64, error)
}

// Pipeline holds the stages and policies of one analysis. It keeps no state
// between runs; copy it and swap Sampler to give a run its own frame
// directory.
type Pipeline struct {
	Sampler   FrameSampler
	Extractor FaceExtractor
	Scorer    UnitScorer

	Sampling sampler.Policy
	Policy   report.Policy
	Strategy Strategy

	Logger *zap.Logger
	// Progress, if set, is called after each sampled frame is processed.
	Progress func(done, total int)
}

// New returns a Pipeline with default sampling, aggregation and unit
// strategy.
func New(s FrameSampler, e FaceExtractor, sc UnitScorer, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		Sampler:   s,
		Extractor: e,
		Scorer:    sc,
		Sampling:  sampler.DefaultPolicy(),
		Policy:    report.DefaultPolicy(),
		Strategy:  StrategyFaces,
		Logger:    logger,
	}
}

// Result is the outcome of a successful analysis.
type Result struct {
	VideoPath      string         `json:"-"`
	Strategy       Strategy       `json:"strategy"`
	FramesSampled  int            `json:"frames_sampled"`
	Frames         []types.Frame  `json:"-"`
	Units          []types.Unit   `json:"units"`
	Report         *report.Report `json:"report"`
	MostSuspicious types.Unit     `json:"most_suspicious"`
}

// Analyze runs the whole pipeline over one local video file. It fails with
// ErrNoFrames, ErrNoFacesDetected or report.ErrNoData instead of producing
// degenerate statistics. Detection and scoring errors on individual frames or
// faces drop that unit and are logged.
func (p *Pipeline) Analyze(ctx context.Context, videoPath string) (*Result, error) {
	tracer := otel.Tracer("pipeline")
	ctx, span := tracer.Start(ctx, "Pipeline.Analyze")
	defer span.End()

	strategy, err := ParseStrategy(string(p.Strategy))
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues(outcome(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("video.path", videoPath),
		attribute.String("pipeline.strategy", string(strategy)),
	)
	log := p.logger().With(zap.String("video", videoPath), zap.String("strategy", string(strategy)))

	metrics.ActiveAnalyses.Inc()
	defer metrics.ActiveAnalyses.Dec()

	res, err := p.run(ctx, videoPath, strategy, log)
	metrics.AnalysesTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("pipeline.frames", res.FramesSampled),
		attribute.Int("pipeline.units", res.Report.Count),
		attribute.Float64("pipeline.fake_ratio", res.Report.FakeRatio),
	)
	log.Info("analysis complete",
		zap.Int("frames", res.FramesSampled),
		zap.Int("units", res.Report.Count),
		zap.Float64("fake_ratio", res.Report.FakeRatio),
		zap.Float64("average_confidence", res.Report.AverageConfidence),
		zap.String("verdict", res.Report.Verdict),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, videoPath string, strategy Strategy, log *zap.Logger) (*Result, error) {
	tracer := otel.Tracer("pipeline")

	start := time.Now()
	sctx, spanSample := tracer.Start(ctx, "sample_frames")
	frames, err := p.Sampler.Sample(sctx, videoPath, p.Sampling)
	spanSample.End()
	if err != nil {
		return nil, fmt.Errorf("sample frames: %w", err)
	}
	metrics.StageDuration.WithLabelValues("sample").Observe(time.Since(start).Seconds())
	metrics.FramesSampledTotal.Add(float64(len(frames)))
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	log.Debug("frames sampled", zap.Int("frames", len(frames)))

	start = time.Now()
	uctx, spanUnits := tracer.Start(ctx, "score_units")
	units, faces, err := p.scoreFrames(uctx, frames, strategy, log)
	spanUnits.SetAttributes(attribute.Int("faces", faces), attribute.Int("units", len(units)))
	spanUnits.End()
	if err != nil {
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("score").Observe(time.Since(start).Seconds())

	if strategy == StrategyFaces && faces == 0 {
		return nil, ErrNoFacesDetected
	}

	scores := make([]float64, len(units))
	for i, u := range units {
		scores[i] = u.Score
	}

	start = time.Now()
	rep, err := report.Aggregate(scores, p.Policy)
	if err != nil {
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("aggregate").Observe(time.Since(start).Seconds())

	return &Result{
		VideoPath:      videoPath,
		Strategy:       strategy,
		FramesSampled:  len(frames),
		Frames:         frames,
		Units:          units,
		Report:         rep,
		MostSuspicious: units[rep.MaxIndex],
	}, nil
}

// scoreFrames turns frames into scored units. faces counts valid crops found,
// including ones whose scoring later failed. If detection fails on every
// frame the result is ErrDetectionFailed wrapping the last detector error.
func (p *Pipeline) scoreFrames(ctx context.Context, frames []types.Frame, strategy Strategy, log *zap.Logger) ([]types.Unit, int, error) {
	var units []types.Unit
	faces := 0
	detectFailures := 0
	var lastDetectErr error

	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return nil, faces, err
		}
		flog := log.With(zap.Int("frame", frame.Index))

		var crops []types.FaceCrop
		detected := true
		if strategy != StrategyFrames {
			start := time.Now()
			var err error
			crops, err = p.Extractor.Extract(ctx, frame)
			metrics.StageDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
			if err != nil {
				flog.Warn("face detection failed, skipping frame", zap.Error(err))
				metrics.UnitsSkippedTotal.WithLabelValues("detect").Inc()
				detected = false
				detectFailures++
				lastDetectErr = err
			}
			faces += len(crops)
		}

		switch {
		case !detected:
		case len(crops) > 0:
			for _, crop := range crops {
				score, err := p.Scorer.Score(ctx, crop.Image)
				if err != nil {
					flog.Warn("face scoring failed, skipping face", zap.Error(err))
					metrics.UnitsSkippedTotal.WithLabelValues("score").Inc()
					continue
				}
				units = append(units, newUnit(types.UnitFace, frame, types.BoxFromRect(crop.Box), score))
			}
		case strategy == StrategyFrames || strategy == StrategyFacesOrFrame:
			score, err := p.Scorer.Score(ctx, frame.Image)
			if err != nil {
				flog.Warn("frame scoring failed, skipping frame", zap.Error(err))
				metrics.UnitsSkippedTotal.WithLabelValues("score").Inc()
				break
			}
			units = append(units, newUnit(types.UnitFrame, frame, nil, score))
		}

		if p.Progress != nil {
			p.Progress(i+1, len(frames))
		}
	}

	if detectFailures > 0 && detectFailures == len(frames) {
		return nil, faces, fmt.Errorf("%w: %w", ErrDetectionFailed, lastDetectErr)
	}

	for _, u := range units {
		metrics.UnitsScoredTotal.WithLabelValues(string(u.Kind)).Inc()
	}
	return units, faces, nil
}

func newUnit(kind types.UnitKind, frame types.Frame, box *types.Box, score float64) types.Unit {
	return types.Unit{
		Kind:       kind,
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp,
		Seconds:    frame.Timestamp.Seconds(),
		Box:        box,
		Score:      score,
		FramePath:  frame.Path,
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoFrames):
		return "no_frames"
	case errors.Is(err, ErrNoFacesDetected):
		return "no_faces"
	case errors.Is(err, report.ErrNoData):
		return "no_data"
	case errors.Is(err, ErrDetectionFailed):
		return "detect_failed"
	default:
		return "error"
	}
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
