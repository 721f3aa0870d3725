package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bhandras/devicelink/internal/auth"
	"github.com/bhandras/devicelink/internal/config"
	"github.com/bhandras/devicelink/internal/dispatch"
	"github.com/bhandras/devicelink/internal/frames"
	"github.com/bhandras/devicelink/internal/session"
	"github.com/bhandras/devicelink/internal/storage"
	"github.com/bhandras/devicelink/pkg/logger"
	"github.com/bhandras/devicelink/sdk"
	"github.com/spf13/cobra"
)

const stopTimeout = 10 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	var framesDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the controller and serve commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if framesDir != "" {
				cfg.Frames.Dir = framesDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&framesDir, "frames", "", "directory of images served as camera frames")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	logger.Infof("devicelink running against %s", cfg.Controller.URL)

	<-ctx.Done()
	logger.Infof("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return rt.Stop(stopCtx)
}

// buildRuntime wires the runtime from cfg: directory camera, ZXing decoder,
// Socket.IO dialer and the configured token source.
func buildRuntime(cfg *config.Config) (*sdk.Runtime, error) {
	if cfg.Frames.Dir == "" {
		return nil, errors.New("frames dir is not configured (use --frames or DEVICELINK_FRAMES_DIR)")
	}
	camera, err := frames.NewDirCamera(cfg.Frames.Dir)
	if err != nil {
		return nil, err
	}

	deviceID, err := storage.GetOrCreateDeviceID(cfg.Home)
	if err != nil {
		return nil, err
	}
	tokens, err := tokenSource(cfg, deviceID)
	if err != nil {
		return nil, err
	}

	opts := []sdk.Option{sdk.WithListener(logListener{})}
	if cfg.PersistResume {
		store, err := storage.NewFileResumeStore(cfg.Home)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdk.WithResumeStore(store))
	}

	return sdk.New(sdk.FromConfig(cfg, deviceID), sdk.Deps{
		Dialer:  cfg.Dialer(),
		Tokens:  tokens,
		Camera:  camera,
		Decoder: frames.NewQRDecoder(),
	}, opts...)
}

func tokenSource(cfg *config.Config, deviceID string) (*auth.TokenSource, error) {
	if cfg.Controller.TokenSecret != "" {
		return auth.NewJWT(deviceID, []byte(cfg.Controller.TokenSecret), cfg.Controller.TokenTTL)
	}
	return auth.Static(cfg.Controller.Token), nil
}

// logListener reports runtime events through the logger, including every
// camera activation.
type logListener struct{}

func (logListener) OnStateChanged(s session.Snapshot) {
	if s.Err != nil {
		logger.Warnf("Session %s (%s): %v", s.SessionID, s.State, s.Err)
		return
	}
	logger.Infof("Session %s: %s (last seq %d)", s.SessionID, s.State, s.LastSeenSeq)
}

func (logListener) OnCommandResult(res dispatch.Result) {
	if res.Status == dispatch.StatusOK {
		logger.Infof("Command %s (%s) ok in %dms", res.CommandID, res.Kind, res.DurationMs)
		return
	}
	logger.Warnf("Command %s (%s) %s: %s", res.CommandID, res.Kind, res.Status, res.Reason)
}

func (logListener) OnCaptureActive(active bool) {
	if active {
		logger.Infof("Camera active")
		return
	}
	logger.Infof("Camera idle")
}
