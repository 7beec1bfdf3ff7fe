package app_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/MrWong99/phonoxa/internal/app"
	"github.com/MrWong99/phonoxa/internal/config"
	"github.com/MrWong99/phonoxa/pkg/analyzer/mock"
	"github.com/MrWong99/phonoxa/pkg/types"
)

// testConfig returns the default config with an ephemeral listen address.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = ":0"
	return cfg
}

// mockEngines builds one mock analyzer per kind plus the options that inject
// them, so New never consults the registry.
func mockEngines() (map[types.Kind]*mock.Analyzer, []app.Option) {
	engines := make(map[types.Kind]*mock.Analyzer, len(types.Kinds()))
	opts := make([]app.Option, 0, len(types.Kinds()))
	for _, kind := range types.Kinds() {
		m := mock.NewAnalyzer(kind)
		engines[kind] = m
		opts = append(opts, app.WithAnalyzer(kind, m))
	}
	return engines, opts
}

// awaitAddr waits until Run has bound the listener.
func awaitAddr(t *testing.T, application *app.App) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := application.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener did not bind within 2s")
	return ""
}

func TestNew_WithMockEngines(t *testing.T) {
	t.Parallel()

	_, opts := mockEngines()
	application, err := app.New(testConfig(), config.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
	if application.Assembler() == nil {
		t.Error("expected a transcript assembler with the default config")
	}
	if addr := application.Addr(); addr != "" {
		t.Errorf("Addr() before Run = %q, want empty", addr)
	}
}

func TestNew_TranscriptDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Transcript.Enabled = false

	_, opts := mockEngines()
	application, err := app.New(cfg, config.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application.Assembler() != nil {
		t.Error("expected no assembler when transcript assembly is disabled")
	}
}

func TestNew_UnknownEngine(t *testing.T) {
	t.Parallel()

	// No injected engines and an empty registry: the default config names
	// engines that are not registered.
	_, err := app.New(testConfig(), config.NewRegistry())
	if err == nil {
		t.Fatal("expected an error for unregistered engines")
	}
	if !errors.Is(err, config.ErrEngineNotRegistered) {
		t.Errorf("error = %v, want ErrEngineNotRegistered", err)
	}
}

func TestNew_GatedWithBreaker(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Pipeline.Routing = config.RoutingGated
	cfg.Resilience.BreakerEnabled = true

	_, opts := mockEngines()
	if _, err := app.New(cfg, config.NewRegistry(), opts...); err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	engines, opts := mockEngines()
	application, err := app.New(testConfig(), config.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	addr := awaitAddr(t, application)
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("unexpected listen address %q: %v", addr, err)
	}
	base := "http://127.0.0.1:" + port

	// The full operational surface answers while the pipeline runs.
	for _, path := range []string{"/", "/healthz", "/readyz", "/stats", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}

	for kind, m := range engines {
		if got := m.CallCount("Initialize"); got != 1 {
			t.Errorf("%s engine Initialize count = %d, want 1", kind, got)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	for kind, m := range engines {
		if got := m.CallCount("Cleanup"); got != 1 {
			t.Errorf("%s engine Cleanup count = %d, want 1", kind, got)
		}
	}
}

func TestApp_ShutdownWithoutRun(t *testing.T) {
	t.Parallel()

	_, opts := mockEngines()
	application, err := app.New(testConfig(), config.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Second call is a no-op.
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
