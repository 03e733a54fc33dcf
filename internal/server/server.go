// Package server exposes the analysis pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/andresmejia3/realitycheck/internal/ingest"
	"github.com/andresmejia3/realitycheck/internal/pipeline"
	"github.com/andresmejia3/realitycheck/internal/report"
	"github.com/andresmejia3/realitycheck/internal/scoring"
	"github.com/andresmejia3/realitycheck/internal/store"
	"github.com/andresmejia3/realitycheck/internal/types"
	"github.com/andresmejia3/realitycheck/internal/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Analyzer runs one analysis. It is implemented by *pipeline.Pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, videoPath string) (*pipeline.Result, error)
}

// AnalyzerFactory returns an Analyzer that writes frame artifacts into
// frameDir. Each run gets its own directory.
type AnalyzerFactory func(frameDir string) Analyzer

// Ingestor is implemented by *ingest.Ingestor.
type Ingestor interface {
	SaveUpload(name string, r io.Reader) (string, error)
	Download(ctx context.Context, url string) (string, error)
}

// AnalysisStore is implemented by *store.Store.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, a *store.Analysis) (uuid.UUID, error)
	ListAnalyses(ctx context.Context, limit int) ([]store.Analysis, error)
	GetAnalysis(ctx context.Context, id uuid.UUID) (*store.Analysis, error)
}

// FrameUploader is implemented by *artifacts.Storage.
type FrameUploader interface {
	UploadFrames(ctx context.Context, runID string, framePaths []string) ([]string, error)
}

// Options configures the HTTP surface.
type Options struct {
	FramesDir      string
	FramesRetained int
	MaxUploadBytes int64
	StaticDir      string // Frontend files served at /, if set
}

type server struct {
	analyzer AnalyzerFactory
	ingest   Ingestor
	store    AnalysisStore // nil when history is disabled
	uploader FrameUploader // nil when frames stay local
	opts     Options
	logger   *zap.Logger

	mux *http.ServeMux
}

// New builds the HTTP handler. store and uploader may be nil.
func New(analyzer AnalyzerFactory, ing Ingestor, st AnalysisStore, up FrameUploader, opts Options, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	s := &server{
		analyzer: analyzer,
		ingest:   ing,
		store:    st,
		uploader: up,
		opts:     opts,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /upload/{$}", s.handleUpload)
	s.mux.HandleFunc("POST /analyze_youtube/{$}", s.handleYouTube)
	s.mux.HandleFunc("GET /api/analyses", s.handleAPIAnalyses)
	s.mux.HandleFunc("GET /api/analyses/{id}", s.handleAPIAnalysisDetail)
	s.mux.Handle("GET /frames/", http.StripPrefix("/frames/", http.FileServer(http.Dir(opts.FramesDir))))
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if opts.StaticDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(opts.StaticDir)))
	}

	return s.corsMiddleware(s.mux)
}

// Serve runs the handler on lis until ctx is cancelled, then drains in-flight
// requests for up to five seconds.
func Serve(ctx context.Context, lis net.Listener, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", lis.Addr().String()))
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CORS middleware to allow frontend requests from any origin
func (s *server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// API Response structures
type unitResponse struct {
	types.Unit
	FrameURL string `json:"frame_url,omitempty"`
}

type analysisResponse struct {
	Filename          string         `json:"filename,omitempty"`
	RunID             string         `json:"run_id"`
	AnalysisID        string         `json:"analysis_id,omitempty"`
	Strategy          string         `json:"strategy"`
	FramesSampled     int            `json:"frames_sampled"`
	FacesAnalyzed     int            `json:"faces_analyzed"`
	FakeRatio         float64        `json:"fake_ratio"`
	AverageConfidence float64        `json:"average_confidence"`
	StabilityScore    float64        `json:"stability_score"`
	StabilityMethod   report.Spread  `json:"stability_method"`
	Threshold         float64        `json:"threshold"`
	Verdict           string         `json:"verdict,omitempty"`
	MostSuspicious    unitResponse   `json:"most_suspicious"`
	Scores            []unitResponse `json:"scores"`
	Frames            []string       `json:"frames"`
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

type youTubeRequest struct {
	URL string `json:"url"`
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.sendJSONError(w, fmt.Sprintf("upload exceeds %d bytes", maxBytes.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		s.sendJSONError(w, "invalid form data", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendJSONError(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	videoPath, err := s.ingest.SaveUpload(header.Filename, file)
	if err != nil {
		s.sendError(w, err)
		return
	}

	resp, err := s.analyze(r.Context(), videoPath, "upload")
	if err != nil {
		s.sendError(w, err)
		return
	}
	// The stored file has a unique prefix; report the name the client sent.
	resp.Filename, _ = ingest.SanitizeName(header.Filename)
	s.sendJSON(w, resp, http.StatusOK)
}

func (s *server) handleYouTube(w http.ResponseWriter, r *http.Request) {
	var req youTubeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	videoPath, err := s.ingest.Download(r.Context(), req.URL)
	if err != nil {
		s.sendError(w, err)
		return
	}

	resp, err := s.analyze(r.Context(), videoPath, req.URL)
	if err != nil {
		s.sendError(w, err)
		return
	}
	resp.Filename = filepath.Base(videoPath)
	s.sendJSON(w, resp, http.StatusOK)
}

// handleAPIAnalyses handles GET /api/analyses - recent reports
func (s *server) handleAPIAnalyses(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendJSONError(w, "analysis history is disabled (no database configured)", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.sendJSONError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.store.ListAnalyses(r.Context(), limit)
	if err != nil {
		s.logger.Error("list analyses failed", zap.Error(err))
		s.sendJSONError(w, "failed to list analyses", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.Analysis{}
	}
	s.sendJSON(w, list, http.StatusOK)
}

// handleAPIAnalysisDetail handles GET /api/analyses/{id}
func (s *server) handleAPIAnalysisDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendJSONError(w, "analysis history is disabled (no database configured)", http.StatusNotFound)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, "invalid analysis id", http.StatusBadRequest)
		return
	}

	a, err := s.store.GetAnalysis(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get analysis failed", zap.String("id", id.String()), zap.Error(err))
		s.sendJSONError(w, "failed to load analysis", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, a, http.StatusOK)
}

// analyze runs the pipeline in a fresh frame directory and builds the
// response. Persistence and artifact upload failures are logged, not
// returned: the analysis itself succeeded.
func (s *server) analyze(ctx context.Context, videoPath, source string) (*analysisResponse, error) {
	runID := uuid.NewString()
	ctx, span := otel.Tracer("server").Start(ctx, "server.analyze",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("run.id", runID), attribute.String("video.source", source)),
	)
	defer span.End()
	log := s.logger.With(
		zap.String("run_id", runID),
		zap.String("video", videoPath),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)

	frameDir := filepath.Join(s.opts.FramesDir, runID)
	if err := os.MkdirAll(frameDir, 0755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	if err := pruneRuns(s.opts.FramesDir, s.opts.FramesRetained, runID); err != nil {
		log.Warn("failed to prune old frame dirs", zap.Error(err))
	}

	res, err := s.analyzer(frameDir).Analyze(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	frameURLs := make(map[string]string, len(res.Frames))
	var paths []string
	for _, f := range res.Frames {
		if f.Path == "" {
			continue
		}
		paths = append(paths, f.Path)
		frameURLs[f.Path] = "/frames/" + path.Join(runID, filepath.Base(f.Path))
	}
	if s.uploader != nil && len(paths) > 0 {
		urls, err := s.uploader.UploadFrames(ctx, runID, paths)
		if err != nil {
			log.Warn("frame upload failed, serving local frames", zap.Error(err))
		} else {
			for i, p := range paths {
				frameURLs[p] = urls[i]
			}
		}
	}

	resp := buildResponse(runID, res, frameURLs)
	for _, p := range paths {
		resp.Frames = append(resp.Frames, frameURLs[p])
	}

	if s.store != nil {
		videoID, err := utils.GenerateVideoID(videoPath)
		if err != nil {
			log.Warn("cannot fingerprint video, not saving analysis", zap.Error(err))
			return resp, nil
		}
		id, err := s.store.SaveAnalysis(ctx, &store.Analysis{
			VideoID:       videoID,
			VideoPath:     videoPath,
			Source:        source,
			Strategy:      string(res.Strategy),
			FramesSampled: res.FramesSampled,
			Report:        *res.Report,
			Units:         res.Units,
		})
		if err != nil {
			log.Warn("failed to save analysis", zap.Error(err))
		} else {
			resp.AnalysisID = id.String()
		}
	}
	return resp, nil
}

func buildResponse(runID string, res *pipeline.Result, frameURLs map[string]string) *analysisResponse {
	unit := func(u types.Unit) unitResponse {
		return unitResponse{Unit: u, FrameURL: frameURLs[u.FramePath]}
	}

	r := res.Report
	resp := &analysisResponse{
		RunID:             runID,
		Strategy:          string(res.Strategy),
		FramesSampled:     res.FramesSampled,
		FacesAnalyzed:     r.Count,
		FakeRatio:         r.FakeRatio,
		AverageConfidence: r.AverageConfidence,
		StabilityScore:    r.StabilityScore,
		StabilityMethod:   r.StabilityMethod,
		Threshold:         r.Threshold,
		Verdict:           r.Verdict,
		MostSuspicious:    unit(res.MostSuspicious),
		Scores:            make([]unitResponse, len(res.Units)),
		Frames:            []string{},
	}
	for i, u := range res.Units {
		resp.Scores[i] = unit(u)
	}
	return resp
}

// pruneRuns removes the oldest run directories under root so that at most
// keep remain. The current run is never removed. keep <= 0 disables pruning.
func pruneRuns(root string, keep int, current string) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	type run struct {
		name string
		mod  time.Time
	}
	var runs []run
	for _, e := range entries {
		if !e.IsDir() || e.Name() == current {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, run{e.Name(), info.ModTime()})
	}
	// The current run takes one slot.
	if len(runs) < keep {
		return nil
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].mod.Before(runs[j].mod) })

	for _, r := range runs[:len(runs)-keep+1] {
		if err := os.RemoveAll(filepath.Join(root, r.name)); err != nil {
			return err
		}
	}
	return nil
}

// statusFor maps pipeline and ingestion failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrMissingURL):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrIngestion):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrNoFrames),
		errors.Is(err, pipeline.ErrNoFacesDetected),
		errors.Is(err, report.ErrNoData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scoring.ErrUnsupportedInput):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	} else {
		s.logger.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	s.sendJSONError(w, err.Error(), status)
}

// Helper functions for JSON responses
func (s *server) sendJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *server) sendJSONError(w http.ResponseWriter, message string, status int) {
	s.sendJSON(w, apiErrorResponse{Error: message}, status)
}
