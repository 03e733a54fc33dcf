package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/realitycheck/internal/utils" // Using the SafeCommand wrapper
)

// Operation codes understood by python/worker.py.
const (
	OpDetect   byte = 1
	OpClassify byte = 2
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse guards against a corrupted length header allocating gigabytes.
const maxResponse = 64 * 1024 * 1024

// Config controls how a worker process is launched.
type Config struct {
	Python      string        // Interpreter, defaults to python3
	Script      string        // Worker entrypoint, defaults to python/worker.py
	Model       string        // Classifier checkpoint passed to the worker
	Debug       bool          // Ask the worker to log to stderr
	ReadTimeout time.Duration // Max time to wait for one response, 0 disables
}

// RemoteError is an error reported by the worker itself. The worker is still
// healthy after returning one.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	script := cfg.Script
	if script == "" {
		script = "python/worker.py"
	}

	args := []string{"-u", script}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.Debug {
		args = append(args, "--debug")
	}

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}
	if err := pw.AwaitReady(); err != nil {
		pw.Close()
		if msg := strings.TrimSpace(py.Stderr.String()); msg != "" {
			return nil, fmt.Errorf("worker %d failed to load models: %w: %s", id, err, msg)
		}
		return nil, fmt.Errorf("worker %d failed to load models: %w", id, err)
	}
	return pw, nil
}

// AwaitReady blocks until the worker reports that its models are loaded. The
// read timeout does not apply: a first run may download model weights.
func (w *PythonWorker) AwaitReady() error {
	resp, err := w.readResponse()
	if err != nil {
		return err
	}
	_, err = w.parseStatus(resp)
	return err
}

// Communicate sends one framed request and returns the raw response body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Pipes from os.Pipe support deadlines; test doubles don't.
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}
	return w.readResponse()
}

// readResponse reads one [Length][Data] frame from the data pipe.
func (w *PythonWorker) readResponse() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an import crash in the worker
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect runs the face detector over img and returns the raw boxes in frame
// coordinates. Boxes are not clamped.
func (w *PythonWorker) Detect(img image.Image) ([]image.Rectangle, error) {
	body, err := w.call(OpDetect, img)
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(body, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read box count: %w", err)
	}
	if int(n)*16 > body.Len() {
		return nil, fmt.Errorf("truncated detect response: %d boxes, %d bytes", n, body.Len())
	}

	boxes := make([]image.Rectangle, 0, n)
	for i := uint32(0); i < n; i++ {
		var b [4]int32
		if err := binary.Read(body, binary.BigEndian, &b); err != nil {
			return nil, fmt.Errorf("read box %d: %w", i, err)
		}
		boxes = append(boxes, image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3])))
	}
	return boxes, nil
}

// Classify runs the classifier over img and returns the class probabilities.
func (w *PythonWorker) Classify(img image.Image) ([]float64, error) {
	body, err := w.call(OpClassify, img)
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(body, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read class count: %w", err)
	}
	if int(n)*4 > body.Len() {
		return nil, fmt.Errorf("truncated classify response: %d classes, %d bytes", n, body.Len())
	}

	probs := make([]float64, n)
	for i := range probs {
		var p float32
		if err := binary.Read(body, binary.BigEndian, &p); err != nil {
			return nil, fmt.Errorf("read class %d: %w", i, err)
		}
		if math.IsNaN(float64(p)) {
			return nil, fmt.Errorf("class %d probability is NaN", i)
		}
		probs[i] = float64(p)
	}
	return probs, nil
}

// call encodes img as packed RGB, sends op and returns the body after the
// status byte, or the worker's error message.
func (w *PythonWorker) call(op byte, img image.Image) (*bytes.Reader, error) {
	b := img.Bounds()
	req := new(bytes.Buffer)
	req.Grow(9 + b.Dx()*b.Dy()*3)
	req.WriteByte(op)
	binary.Write(req, binary.BigEndian, uint32(b.Dx()))
	binary.Write(req, binary.BigEndian, uint32(b.Dy()))
	req.Write(PackRGB(img))

	resp, err := w.Communicate(req.Bytes())
	if err != nil {
		return nil, err
	}
	return w.parseStatus(resp)
}

// parseStatus returns the body after the status byte, or the worker's error
// message as a *RemoteError.
func (w *PythonWorker) parseStatus(resp []byte) (*bytes.Reader, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response from worker %d", w.ID)
	}

	body := bytes.NewReader(resp[1:])
	switch resp[0] {
	case statusOK:
		return body, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(body, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("python worker error (unreadable message): %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(body, msg); err != nil {
			return nil, fmt.Errorf("python worker error (truncated message): %w", err)
		}
		return nil, &RemoteError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown worker status %d", resp[0])
	}
}

// PackRGB flattens img into row-major R,G,B bytes.
func PackRGB(img image.Image) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):rgba.PixOffset(b.Max.X, y)]
			for x := 0; x < len(row); x += 4 {
				out = append(out, row[x], row[x+1], row[x+2])
			}
		}
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			out = append(out, c.R, c.G, c.B)
		}
	}
	return out
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
