package sdk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bhandras/devicelink/internal/dispatch"
	"github.com/bhandras/devicelink/internal/frames"
	"github.com/bhandras/devicelink/internal/outbound"
	"github.com/bhandras/devicelink/internal/wire"
)

// PingReply answers a ping command.
type PingReply struct {
	Nonce        string `json:"nonce,omitempty"`
	DeviceTimeMs int64  `json:"deviceTimeMs"`
}

// FrameReply summarizes a frame shipped as chunks.
type FrameReply struct {
	FrameID  string `json:"frameId"`
	FrameSeq uint64 `json:"frameSeq"`
	Chunks   int    `json:"chunks"`
	Bytes    int    `json:"bytes"`
	Format   string `json:"format,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	// Evicted counts older queued frames dropped to make room for this one.
	Evicted int `json:"evictedFrames,omitempty"`
}

// StreamReply summarizes a finished stream.
type StreamReply struct {
	Frames  int    `json:"frames"`
	LastSeq uint64 `json:"lastFrameSeq,omitempty"`
	Evicted int    `json:"evictedFrames,omitempty"`
}

// handlers builds the built-in command table. Cancel is answered by the
// dispatcher itself.
func (r *Runtime) handlers() map[dispatch.Kind]dispatch.Handler {
	return map[dispatch.Kind]dispatch.Handler{
		dispatch.KindScanQR:       dispatch.HandlerFunc(r.handleScanQR),
		dispatch.KindCaptureFrame: dispatch.HandlerFunc(r.handleCaptureFrame),
		dispatch.KindStreamFrames: dispatch.HandlerFunc(r.handleStreamFrames),
		dispatch.KindPing:         dispatch.HandlerFunc(r.handlePing),
		dispatch.KindReportStatus: dispatch.HandlerFunc(r.handleReportStatus),
	}
}

func (r *Runtime) handleScanQR(ctx context.Context, cmd dispatch.Command) (any, error) {
	a, _ := cmd.Action.(dispatch.ScanQR)
	text, err := r.source.ScanN(ctx, a.Attempts)
	if err != nil {
		return nil, frameError("scan", err)
	}
	return text, nil
}

func (r *Runtime) handleCaptureFrame(ctx context.Context, cmd dispatch.Command) (any, error) {
	a, _ := cmd.Action.(dispatch.CaptureFrame)
	f, err := r.source.Capture(ctx)
	if err != nil {
		return nil, frameError("capture", err)
	}
	return r.shipFrame(cmd.ID, f, r.chunkSize(a.ChunkSize))
}

func (r *Runtime) handleStreamFrames(ctx context.Context, cmd dispatch.Command) (any, error) {
	a, _ := cmd.Action.(dispatch.StreamFrames)
	stream, err := r.source.Stream(ctx, frames.StreamOptions{
		Count:    a.Count,
		Interval: time.Duration(a.IntervalMs) * time.Millisecond,
	})
	if err != nil {
		return nil, frameError("stream", err)
	}

	size := r.chunkSize(a.ChunkSize)
	var reply StreamReply
	for f := range stream {
		sent, err := r.shipFrame(cmd.ID, f, size)
		if err != nil {
			return reply, err
		}
		reply.Frames++
		reply.LastSeq = f.Seq
		reply.Evicted += sent.Evicted
	}
	// The stream closes on cancel as well as on completion.
	if err := ctx.Err(); err != nil {
		return reply, err
	}
	if a.Count <= 0 || reply.Frames < a.Count {
		return reply, fmt.Errorf("stream ended after %d frames", reply.Frames)
	}
	return reply, nil
}

func (r *Runtime) handlePing(_ context.Context, cmd dispatch.Command) (any, error) {
	a, _ := cmd.Action.(dispatch.Ping)
	return PingReply{Nonce: a.Nonce, DeviceTimeMs: r.clock.Now().UnixMilli()}, nil
}

func (r *Runtime) handleReportStatus(ctx context.Context, _ dispatch.Command) (any, error) {
	return r.Status(ctx), nil
}

func (r *Runtime) chunkSize(override int) int {
	if override > 0 {
		return override
	}
	return r.cfg.ChunkSize
}

// shipFrame splits f into chunks and queues them as one unit on the frame
// lane. Older frames evicted to make room are counted, not retried. A frame
// that cannot fit the lane at all is not sent.
func (r *Runtime) shipFrame(commandID string, f frames.Frame, size int) (FrameReply, error) {
	reply := FrameReply{
		FrameID:  f.ID,
		FrameSeq: f.Seq,
		Bytes:    len(f.Data),
		Format:   f.Format,
		Width:    f.Width,
		Height:   f.Height,
	}
	total := (len(f.Data) + size - 1) / size
	if total == 0 {
		total = 1
	}
	chunks := make([]outbound.Item, 0, total)
	for i := 0; i < total; i++ {
		lo := i * size
		hi := min(lo+size, len(f.Data))
		chunk := wire.FramePayload{
			FrameSeq: f.Seq,
			Index:    i,
			Final:    i == total-1,
			Data:     f.Data[lo:hi],
		}
		if i == 0 {
			chunk.Format, chunk.Width, chunk.Height = f.Format, f.Width, f.Height
		}
		chunks = append(chunks, outbound.Item{
			Kind:      outbound.KindFrameChunk,
			CommandID: commandID,
			Payload:   chunk,
		})
	}

	evicted, err := r.queue.EnqueueFrame(chunks)
	if err != nil {
		return reply, fmt.Errorf("ship frame %d: %w", f.Seq, err)
	}
	reply.Chunks = total
	reply.Evicted = evicted
	return reply, nil
}

// frameError keeps cancellation recognizable to the dispatcher and tags
// everything else with the operation.
func frameError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
