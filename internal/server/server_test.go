package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/realitycheck/internal/ingest"
	"github.com/andresmejia3/realitycheck/internal/pipeline"
	"github.com/andresmejia3/realitycheck/internal/report"
	"github.com/andresmejia3/realitycheck/internal/scoring"
	"github.com/andresmejia3/realitycheck/internal/store"
	"github.com/andresmejia3/realitycheck/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAnalyzer writes one frame artifact into its frame dir and returns a
// single-face result, or err when set.
type stubAnalyzer struct {
	frameDir string
	err      error
}

func (a *stubAnalyzer) Analyze(_ context.Context, videoPath string) (*pipeline.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	framePath := filepath.Join(a.frameDir, "frame_30.jpg")
	if err := os.WriteFile(framePath, []byte("jpeg"), 0644); err != nil {
		return nil, err
	}
	unit := types.Unit{Kind: types.UnitFace, FrameIndex: 30, Seconds: 1, Box: &types.Box{X2: 10, Y2: 10}, Score: 0.9, FramePath: framePath}
	rep, err := report.Aggregate([]float64{0.9}, report.DefaultPolicy())
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{
		VideoPath:      videoPath,
		Strategy:       pipeline.StrategyFaces,
		FramesSampled:  1,
		Frames:         []types.Frame{{Index: 30, Path: framePath}},
		Units:          []types.Unit{unit},
		Report:         rep,
		MostSuspicious: unit,
	}, nil
}

type stubIngestor struct {
	dir string
	err error
}

func (i *stubIngestor) SaveUpload(name string, r io.Reader) (string, error) {
	if i.err != nil {
		return "", i.err
	}
	f, err := os.CreateTemp(i.dir, "*_"+filepath.Base(name))
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return f.Name(), err
}

func (i *stubIngestor) Download(_ context.Context, url string) (string, error) {
	if url == "" {
		return "", ingest.ErrMissingURL
	}
	if i.err != nil {
		return "", i.err
	}
	p := filepath.Join(i.dir, "abc123.mp4")
	return p, os.WriteFile(p, []byte("video"), 0644)
}

type memStore struct {
	saved []store.Analysis
	err   error
}

func (m *memStore) SaveAnalysis(_ context.Context, a *store.Analysis) (uuid.UUID, error) {
	if m.err != nil {
		return uuid.Nil, m.err
	}
	a.ID = uuid.New()
	m.saved = append(m.saved, *a)
	return a.ID, nil
}

func (m *memStore) ListAnalyses(_ context.Context, limit int) ([]store.Analysis, error) {
	if len(m.saved) > limit {
		return m.saved[:limit], nil
	}
	return m.saved, nil
}

func (m *memStore) GetAnalysis(_ context.Context, id uuid.UUID) (*store.Analysis, error) {
	for _, a := range m.saved {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

type stubUploader struct{ err error }

func (u stubUploader) UploadFrames(_ context.Context, runID string, paths []string) ([]string, error) {
	if u.err != nil {
		return nil, u.err
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = "https://minio.local/frames/" + runID + "/" + filepath.Base(p)
	}
	return out, nil
}

type fixture struct {
	handler   http.Handler
	framesDir string
	analyzer  *stubAnalyzer
	ingestor  *stubIngestor
}

func newFixture(t *testing.T, st AnalysisStore, up FrameUploader) *fixture {
	t.Helper()
	f := &fixture{
		framesDir: t.TempDir(),
		analyzer:  &stubAnalyzer{},
		ingestor:  &stubIngestor{dir: t.TempDir()},
	}
	factory := func(dir string) Analyzer {
		f.analyzer.frameDir = dir
		return f.analyzer
	}
	f.handler = New(factory, f.ingestor, st, up, Options{FramesDir: f.framesDir, FramesRetained: 5}, nil)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, field, name, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestUpload(t *testing.T) {
	st := &memStore{}
	f := newFixture(t, st, nil)

	rec := f.do(uploadRequest(t, "file", "clip.mp4", "video bytes"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "clip.mp4", resp["filename"])
	assert.Equal(t, 1.0, resp["faces_analyzed"])
	assert.Equal(t, 1.0, resp["fake_ratio"])
	assert.Equal(t, report.LikelyDeepfake, resp["verdict"])
	assert.Equal(t, "range", resp["stability_method"])
	assert.NotEmpty(t, resp["analysis_id"])

	runID := resp["run_id"].(string)
	frameURL := "/frames/" + runID + "/frame_30.jpg"
	assert.Equal(t, []any{frameURL}, resp["frames"])

	most := resp["most_suspicious"].(map[string]any)
	assert.Equal(t, "face", most["kind"])
	assert.Equal(t, frameURL, most["frame_url"])
	assert.NotContains(t, most, "FramePath")

	// The frame artifact is served statically
	frame := f.do(httptest.NewRequest(http.MethodGet, frameURL, nil))
	assert.Equal(t, http.StatusOK, frame.Code)
	assert.Equal(t, "jpeg", frame.Body.String())

	require.Len(t, st.saved, 1)
	assert.Equal(t, "upload", st.saved[0].Source)
	assert.Equal(t, 1, st.saved[0].Report.Count)
}

func TestUpload_MissingFile(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(uploadRequest(t, "video", "clip.mp4", "x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing file field", decode[apiErrorResponse](t, rec).Error)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/upload/", strings.NewReader("not multipart")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_TooLarge(t *testing.T) {
	f := &fixture{framesDir: t.TempDir(), analyzer: &stubAnalyzer{}, ingestor: &stubIngestor{dir: t.TempDir()}}
	f.handler = New(func(string) Analyzer { return f.analyzer }, f.ingestor, nil, nil,
		Options{FramesDir: f.framesDir, MaxUploadBytes: 64}, nil)

	rec := f.do(uploadRequest(t, "file", "clip.mp4", strings.Repeat("x", 1024)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUpload_PipelineFailures(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{pipeline.ErrNoFrames, http.StatusUnprocessableEntity},
		{pipeline.ErrNoFacesDetected, http.StatusUnprocessableEntity},
		{report.ErrNoData, http.StatusUnprocessableEntity},
		{fmt.Errorf("score: %w", scoring.ErrUnsupportedInput), http.StatusUnsupportedMediaType},
		{errors.New("worker exploded"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			st := &memStore{}
			f := newFixture(t, st, nil)
			f.analyzer.err = tt.err

			rec := f.do(uploadRequest(t, "file", "clip.mp4", "video"))
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.err.Error(), decode[apiErrorResponse](t, rec).Error)
			assert.Empty(t, st.saved, "failed analyses are not stored")
		})
	}
}

func TestYouTube(t *testing.T) {
	st := &memStore{}
	f := newFixture(t, st, stubUploader{})

	body := strings.NewReader(`{"url": "https://www.youtube.com/watch?v=abc123"}`)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/analyze_youtube/", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "abc123.mp4", resp["filename"])
	frames := resp["frames"].([]any)
	require.Len(t, frames, 1)
	assert.True(t, strings.HasPrefix(frames[0].(string), "https://minio.local/frames/"))

	require.Len(t, st.saved, 1)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", st.saved[0].Source)
}

func TestYouTube_Errors(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/analyze_youtube/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/analyze_youtube/", strings.NewReader(`{"url":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.ingestor.err = fmt.Errorf("%w: yt-dlp: exit status 1", ingest.ErrIngestion)
	rec = f.do(httptest.NewRequest(http.MethodPost, "/analyze_youtube/", strings.NewReader(`{"url":"https://youtu.be/x"}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestUploaderFailureFallsBackToLocalFrames(t *testing.T) {
	f := newFixture(t, nil, stubUploader{err: errors.New("minio down")})

	rec := f.do(uploadRequest(t, "file", "clip.mp4", "video"))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	frames := resp["frames"].([]any)
	require.Len(t, frames, 1)
	assert.True(t, strings.HasPrefix(frames[0].(string), "/frames/"))
}

func TestStoreFailureStillReturnsReport(t *testing.T) {
	f := newFixture(t, &memStore{err: errors.New("db down")}, nil)

	rec := f.do(uploadRequest(t, "file", "clip.mp4", "video"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode[map[string]any](t, rec), "analysis_id")
}

func TestAPIAnalyses(t *testing.T) {
	st := &memStore{}
	f := newFixture(t, st, nil)
	require.Equal(t, http.StatusOK, f.do(uploadRequest(t, "file", "a.mp4", "a")).Code)
	require.Equal(t, http.StatusOK, f.do(uploadRequest(t, "file", "b.mp4", "b")).Code)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/analyses?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]store.Analysis](t, rec)
	assert.Len(t, list, 1)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/"+st.saved[1].ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, st.saved[1].ID, decode[store.Analysis](t, rec).ID)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIAnalyses_Disabled(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/analyses", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSAndHealth(t *testing.T) {
	f := newFixture(t, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/upload/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/upload/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPruneRuns(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		dir := filepath.Join(root, fmt.Sprintf("run-%d", i))
		require.NoError(t, os.Mkdir(dir, 0755))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(dir, mod, mod))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "current"), 0755))

	require.NoError(t, pruneRuns(root, 3, "current"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"current", "run-3", "run-4"}, names)

	require.NoError(t, pruneRuns(root, 0, "current"), "keep 0 disables pruning")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(ingest.ErrMissingURL))
	assert.Equal(t, http.StatusBadGateway, statusFor(fmt.Errorf("%w: boom", ingest.ErrIngestion)))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(fmt.Errorf("wrap: %w", pipeline.ErrNoFrames)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("%w: %w", pipeline.ErrDetectionFailed, io.ErrUnexpectedEOF)))
}
