// Package ingest turns uploads and remote URLs into local video files.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/realitycheck/internal/utils"
	"go.uber.org/zap"
)

var (
	// ErrIngestion means the source video is missing or could not be fetched.
	ErrIngestion = errors.New("video ingestion failed")
	// ErrMissingURL is an ErrIngestion for an empty URL.
	ErrMissingURL = fmt.Errorf("%w: no URL provided", ErrIngestion)
)

// DefaultFormat is yt-dlp format 18: 360p MP4 with audio, which every public
// YouTube video carries.
const DefaultFormat = "18"

// Ingestor stores uploaded videos and downloads remote ones.
type Ingestor struct {
	UploadDir   string
	DownloadDir string
	YtDlp       string // Binary name or path
	Format      string
	Logger      *zap.Logger
}

// New returns an Ingestor that uses the yt-dlp binary on PATH.
func New(uploadDir, downloadDir string, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		UploadDir:   uploadDir,
		DownloadDir: downloadDir,
		YtDlp:       "yt-dlp",
		Format:      DefaultFormat,
		Logger:      logger,
	}
}

// SanitizeName reduces a client-supplied file name to its base name. It
// rejects names that have no usable base.
func SanitizeName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	switch base {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: invalid file name %q", ErrIngestion, name)
	}
	return base, nil
}

// SaveUpload writes r into UploadDir and returns the stored path. Every call
// gets a fresh file named <random>_<base name>, so uploads sharing a client
// file name never overwrite each other.
func (i *Ingestor) SaveUpload(name string, r io.Reader) (string, error) {
	base, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(i.UploadDir, 0755); err != nil {
		return "", fmt.Errorf("%w: create upload dir: %v", ErrIngestion, err)
	}

	// CreateTemp substitutes the last '*' in the pattern.
	f, err := os.CreateTemp(i.UploadDir, "*_"+strings.ReplaceAll(base, "*", "_"))
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrIngestion, base, err)
	}
	dst := f.Name()

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("%w: write %s: %v", ErrIngestion, base, err)
	}
	if n == 0 {
		os.Remove(dst)
		return "", fmt.Errorf("%w: %s is empty", ErrIngestion, base)
	}

	i.logger().Info("upload stored", zap.String("path", dst), zap.Int64("bytes", n))
	return dst, nil
}

// Download fetches a single video with yt-dlp into DownloadDir and returns the
// local path.
func (i *Ingestor) Download(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", ErrMissingURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: not an http(s) URL: %q", ErrIngestion, rawURL)
	}

	bin := i.YtDlp
	if bin == "" {
		bin = "yt-dlp"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%w: %s not found: %v", ErrIngestion, bin, err)
	}
	if err := os.MkdirAll(i.DownloadDir, 0755); err != nil {
		return "", fmt.Errorf("%w: create download dir: %v", ErrIngestion, err)
	}

	format := i.Format
	if format == "" {
		format = DefaultFormat
	}

	cmd := utils.NewSafeCommand(ctx, bin,
		"-f", format,
		"--no-playlist",
		"--no-progress",
		"--no-simulate",
		"-o", filepath.Join(i.DownloadDir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
		"--", rawURL,
	)
	log := i.logger().With(zap.String("url", rawURL))
	log.Info("downloading video")

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: yt-dlp: %v: %s", ErrIngestion, err, lastLine(cmd.Stderr.String()))
	}

	dst := lastLine(string(out))
	if dst == "" {
		return "", fmt.Errorf("%w: yt-dlp reported no output file", ErrIngestion)
	}
	if info, err := os.Stat(dst); err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: downloaded file not found: %s", ErrIngestion, dst)
	}

	log.Info("download complete", zap.String("path", dst))
	return dst, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func (i *Ingestor) logger() *zap.Logger {
	if i.Logger == nil {
		return zap.NewNop()
	}
	return i.Logger
}
