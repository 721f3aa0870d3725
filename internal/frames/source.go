package frames

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/devicelink/pkg/logger"
	"github.com/google/uuid"
)

// Config tunes scanning.
type Config struct {
	// ScanAttempts is the number of frames tried per scan.
	ScanAttempts int
	// ScanInterval spaces scan attempts.
	ScanInterval time.Duration
	// StreamInterval is the default spacing of streamed frames.
	StreamInterval time.Duration
}

// DefaultConfig returns the default scan settings.
func DefaultConfig() Config {
	return Config{
		ScanAttempts:   10,
		ScanInterval:   200 * time.Millisecond,
		StreamInterval: 500 * time.Millisecond,
	}
}

// StreamOptions bounds a stream.
type StreamOptions struct {
	// Count is the number of frames to produce. Zero streams until cancelled.
	Count int
	// Interval spaces frames. Zero uses Config.StreamInterval.
	Interval time.Duration
}

// Source serializes access to the camera: one capture, scan or stream at a
// time. It keeps no state beyond whether a request is active.
type Source struct {
	camera  Camera
	decoder Decoder
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	active   bool
	cancel   context.CancelFunc
	seq      uint64
	onActive func(bool)
}

// Option configures a Source.
type Option func(*Source)

// WithOnActive registers a hook called whenever the source becomes active or
// idle. The hook runs under the source lock and must not block or call back
// into the source.
func WithOnActive(fn func(active bool)) Option {
	return func(s *Source) { s.onActive = fn }
}

// WithNow overrides the capture timestamp source.
func WithNow(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSource returns a Source over camera and decoder. decoder may be nil if
// Scan is never used.
func NewSource(camera Camera, decoder Decoder, cfg Config, opts ...Option) *Source {
	d := DefaultConfig()
	if cfg.ScanAttempts <= 0 {
		cfg.ScanAttempts = d.ScanAttempts
	}
	if cfg.ScanInterval < 0 {
		cfg.ScanInterval = 0
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = d.StreamInterval
	}
	s := &Source{camera: camera, decoder: decoder, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOnActive replaces the activity hook.
func (s *Source) SetOnActive(fn func(active bool)) {
	s.mu.Lock()
	s.onActive = fn
	s.mu.Unlock()
}

// Active reports whether a request is outstanding.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Cancel aborts the outstanding request, if any.
func (s *Source) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Source) acquire(ctx context.Context) (context.Context, func(), error) {
	if s.camera == nil {
		return nil, nil, errors.New("frames: no camera configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil, nil, ErrBusy
	}
	cctx, cancel := context.WithCancel(ctx)
	s.active = true
	s.cancel = cancel
	if s.onActive != nil {
		s.onActive(true)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			defer s.mu.Unlock()
			s.active = false
			s.cancel = nil
			if s.onActive != nil {
				s.onActive(false)
			}
		})
	}
	return cctx, release, nil
}

func (s *Source) capture(ctx context.Context) (Frame, error) {
	f, err := s.camera.Capture(ctx)
	if err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	s.seq++
	f.Seq = s.seq
	s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = s.now()
	}
	return f, nil
}

// Capture grabs a single frame.
func (s *Source) Capture(ctx context.Context) (Frame, error) {
	cctx, release, err := s.acquire(ctx)
	if err != nil {
		return Frame{}, err
	}
	defer release()

	f, err := s.capture(cctx)
	if err != nil {
		return Frame{}, fmt.Errorf("capture: %w", err)
	}
	return f, nil
}

// Scan captures frames until one decodes, up to ScanAttempts. It returns
// ErrNotFound when every attempt comes back empty.
func (s *Source) Scan(ctx context.Context) (string, error) {
	return s.ScanN(ctx, 0)
}

// ScanN is Scan with an explicit attempt count. attempts <= 0 uses
// ScanAttempts.
func (s *Source) ScanN(ctx context.Context, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = s.cfg.ScanAttempts
	}
	if s.decoder == nil {
		return "", errors.New("frames: no decoder configured")
	}
	cctx, release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && s.cfg.ScanInterval > 0 {
			select {
			case <-cctx.Done():
				return "", cctx.Err()
			case <-time.After(s.cfg.ScanInterval):
			}
		}

		f, err := s.capture(cctx)
		if err != nil {
			if cctx.Err() != nil {
				return "", cctx.Err()
			}
			return "", fmt.Errorf("scan capture: %w", err)
		}

		text, err := s.decoder.Decode(cctx, f)
		switch {
		case err == nil:
			logger.Debugf("Scan decoded a code on attempt %d", attempt+1)
			return text, nil
		case errors.Is(err, ErrNotFound):
			logger.Tracef("Scan attempt %d: no code in frame %d", attempt+1, f.Seq)
		case cctx.Err() != nil:
			return "", cctx.Err()
		default:
			return "", fmt.Errorf("scan decode: %w", err)
		}
	}
	return "", ErrNotFound
}

// Stream produces frames on the returned channel until opts.Count frames were
// captured, ctx is done, Cancel is called, or the camera fails. The channel is
// closed when streaming ends. A slow consumer sees the newest frame; stale
// ones are dropped.
func (s *Source) Stream(ctx context.Context, opts StreamOptions) (<-chan Frame, error) {
	cctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = s.cfg.StreamInterval
	}

	out := make(chan Frame, 1)
	go func() {
		defer close(out)
		defer release()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for n := 0; opts.Count <= 0 || n < opts.Count; n++ {
			if n > 0 {
				select {
				case <-cctx.Done():
					return
				case <-ticker.C:
				}
			}
			f, err := s.capture(cctx)
			if err != nil {
				if cctx.Err() == nil {
					logger.Warnf("Stream capture failed after %d frames: %v", n, err)
				}
				return
			}
			offerLatest(out, f)
		}
	}()
	return out, nil
}

// offerLatest delivers f, replacing an unread stale frame if the consumer
// has fallen behind.
func offerLatest(out chan Frame, f Frame) {
	select {
	case out <- f:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- f:
	default:
	}
}
