package main

import (
	"bytes"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bhandras/devicelink/internal/config"
	"github.com/stretchr/testify/require"
)

func TestPairingURL(t *testing.T) {
	t.Parallel()

	got, err := pairingURL("https://controller.example/pair?x=1", "dev-1")
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	require.Equal(t, "dev-1", u.Query().Get("device"))
	require.Equal(t, "1", u.Query().Get("x"))

	if _, err := pairingURL("", "dev-1"); err == nil {
		t.Fatal("expected error for empty controller url")
	}
	if _, err := pairingURL("not a url", "dev-1"); err == nil {
		t.Fatal("expected error for relative controller url")
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.True(t, strings.HasPrefix(out.String(), "devicelink "))
}

func TestTokenSourceSelection(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Controller.Token = "static"
	src, err := tokenSource(cfg, "dev-1")
	require.NoError(t, err)
	tok, err := src.Token(t.Context())
	require.NoError(t, err)
	require.Equal(t, "static", tok)

	cfg.Controller.TokenSecret = "0123456789abcdef0123456789abcdef"
	src, err = tokenSource(cfg, "dev-1")
	require.NoError(t, err)
	tok, err = src.Token(t.Context())
	require.NoError(t, err)
	require.Equal(t, 3, len(strings.Split(tok, ".")), "expected a JWT")
}

func TestBuildRuntimeRequiresFrames(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.Controller.URL = "http://controller.test"
	_, err := buildRuntime(cfg)
	require.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("x"), 0o600))
	cfg.Frames.Dir = dir
	rt, err := buildRuntime(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Stop(t.Context()))
}
