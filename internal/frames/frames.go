// Package frames wraps the camera and QR decoder collaborators behind a
// single-request FrameSource.
package frames

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy is returned when a capture, scan or stream is already running.
	ErrBusy = errors.New("frames: source busy")
	// ErrNotFound is returned when no code could be decoded.
	ErrNotFound = errors.New("frames: no code found")
	// ErrNoFrames is returned by cameras with nothing to capture.
	ErrNoFrames = errors.New("frames: no frames available")
)

// Frame is one captured image.
type Frame struct {
	// ID uniquely identifies the capture.
	ID string
	// Seq is the source-assigned monotonic frame number.
	Seq uint64
	// Data holds the encoded image bytes.
	Data []byte
	// Format is the encoding, e.g. "png" or "jpeg".
	Format string
	Width  int
	Height int
	// CapturedAt is when the camera produced the frame.
	CapturedAt time.Time
}

// Camera produces frames on request.
type Camera interface {
	Capture(ctx context.Context) (Frame, error)
}

// Decoder extracts a code payload from a frame. It returns an error wrapping
// ErrNotFound when the frame holds no readable code.
type Decoder interface {
	Decode(ctx context.Context, frame Frame) (string, error)
}

// CameraFunc adapts a function to Camera.
type CameraFunc func(ctx context.Context) (Frame, error)

// Capture implements Camera.
func (f CameraFunc) Capture(ctx context.Context) (Frame, error) { return f(ctx) }

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, frame Frame) (string, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(ctx context.Context, frame Frame) (string, error) {
	return f(ctx, frame)
}
