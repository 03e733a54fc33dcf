// Package engine owns the process-wide face detection and classification
// oracles. Loading the models is expensive, so workers are started once and
// shared by every pipeline run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/realitycheck/internal/metrics"
	"github.com/andresmejia3/realitycheck/internal/worker"
	"go.uber.org/zap"
)

const restartBackoff = 2 * time.Second

// Oracle is a single model host. It is not safe for concurrent use; the
// Engine hands each one to at most one caller at a time.
type Oracle interface {
	Detect(img image.Image) ([]image.Rectangle, error)
	Classify(img image.Image) ([]float64, error)
	Close()
}

// SpawnFunc starts a fresh oracle with the given id.
type SpawnFunc func(id int) (Oracle, error)

// Engine is a fixed-size pool of oracles.
type Engine struct {
	pool   chan Oracle
	spawn  SpawnFunc
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	closed bool
	live   map[Oracle]struct{}
}

// New starts size oracles with spawn. A nil logger is replaced with a no-op one.
func New(size int, spawn SpawnFunc, logger *zap.Logger) (*Engine, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		pool:   make(chan Oracle, size),
		spawn:  spawn,
		logger: logger,
		live:   make(map[Oracle]struct{}),
	}

	for i := 0; i < size; i++ {
		o, err := e.start()
		if err != nil {
			e.Close()
			return nil, err
		}
		e.pool <- o
	}
	return e, nil
}

func (e *Engine) start() (Oracle, error) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.mu.Unlock()

	o, err := e.spawn(id)
	if err != nil {
		return nil, fmt.Errorf("start oracle %d: %w", id, err)
	}

	e.mu.Lock()
	e.live[o] = struct{}{}
	e.mu.Unlock()
	e.logger.Debug("oracle started", zap.Int("oracle_id", id))
	return o, nil
}

// Detect borrows an oracle and runs face detection on img.
func (e *Engine) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	var boxes []image.Rectangle
	err := e.with(ctx, func(o Oracle) error {
		var err error
		boxes, err = o.Detect(img)
		return err
	})
	return boxes, err
}

// Classify borrows an oracle and returns class probabilities for img.
func (e *Engine) Classify(ctx context.Context, img image.Image) ([]float64, error) {
	var probs []float64
	err := e.with(ctx, func(o Oracle) error {
		var err error
		probs, err = o.Classify(img)
		return err
	})
	return probs, err
}

func (e *Engine) with(ctx context.Context, fn func(Oracle) error) error {
	var o Oracle
	select {
	case o = <-e.pool:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := fn(o)

	var remote *worker.RemoteError
	if err == nil || errors.As(err, &remote) {
		e.pool <- o
		return err
	}

	// Transport failure: the process is dead or out of sync. Replace it so
	// the pool keeps its size.
	e.logger.Warn("oracle failed, restarting", zap.Error(err))
	metrics.OracleRestartsTotal.Inc()
	e.retire(o)
	if fresh, startErr := e.start(); startErr == nil {
		e.pool <- fresh
	} else {
		e.logger.Error("oracle restart failed", zap.Error(startErr))
		go e.refill()
	}
	return err
}

func (e *Engine) retire(o Oracle) {
	e.mu.Lock()
	delete(e.live, o)
	e.mu.Unlock()
	o.Close()
}

// refill keeps retrying until a replacement oracle starts or the engine is
// closed, so callers blocked on the pool are eventually served.
func (e *Engine) refill() {
	for {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		if o, err := e.start(); err == nil {
			e.pool <- o
			return
		}
		time.Sleep(restartBackoff)
	}
}

// Close shuts down every oracle. Calls in flight finish first.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	live := make([]Oracle, 0, len(e.live))
	for o := range e.live {
		live = append(live, o)
	}
	e.live = map[Oracle]struct{}{}
	e.mu.Unlock()

	for _, o := range live {
		o.Close()
	}
}

// --- Process-wide instance ---

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
	defaultErr    error

	settingsMu sync.Mutex
	settings   = Settings{Workers: 1}
)

// Settings configures the process-wide engine.
type Settings struct {
	Workers int
	Worker  worker.Config
	Logger  *zap.Logger
}

// Configure sets the parameters used by Default. It has no effect once the
// engine has been started.
func Configure(s Settings) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	settings = s
}

// Default returns the process-wide engine, starting Python workers on first use.
func Default() (*Engine, error) {
	defaultOnce.Do(func() {
		settingsMu.Lock()
		s := settings
		settingsMu.Unlock()

		spawn := func(id int) (Oracle, error) {
			// Workers outlive any single request, so they are not tied to one.
			w, err := worker.NewPythonWorker(context.Background(), id, s.Worker)
			if err != nil {
				return nil, err
			}
			return w, nil
		}
		e, err := New(s.Workers, spawn, s.Logger)
		settingsMu.Lock()
		defaultEngine, defaultErr = e, err
		settingsMu.Unlock()
	})
	return defaultEngine, defaultErr
}

// CloseDefault shuts down the process-wide engine if Default started one.
func CloseDefault() {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	if defaultEngine != nil {
		defaultEngine.Close()
	}
}
