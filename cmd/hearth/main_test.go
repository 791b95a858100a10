package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearth/hearth/config"
	"github.com/hearth/hearth/pkg/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestServe_StartupAndShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Storage.Badger.InMemory = true
	cfg.Metrics.Enabled = false
	cfg.Remote.Type = "memory"
	cfg.Sync.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, "", logger.Nop()) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/ready")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not become ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Post(base+"/api/v1/memories", "application/json",
		strings.NewReader(`{"content":"hello from main","project_id":"p"}`))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("store status = %d, want 201", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve() did not return after cancel")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", path}, &bytes.Buffer{}, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Failed to load configuration") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRun_BadFlag(t *testing.T) {
	code := run(context.Background(), []string{"-no-such-flag"}, &bytes.Buffer{}, &bytes.Buffer{})
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestBuildOverrides(t *testing.T) {
	overrides := buildOverrides(&cliFlags{})
	if len(overrides) != 0 {
		t.Errorf("Expected empty overrides, got %d items", len(overrides))
	}

	overrides = buildOverrides(&cliFlags{
		appName:  "test-app",
		port:     9090,
		logLevel: "debug",
		debug:    true,
		deviceID: "laptop",
		dataDir:  "/tmp/hearth",
		remote:   "redis",
	})

	want := map[string]interface{}{
		"app.name":            "test-app",
		"server.port":         9090,
		"log.level":           "debug",
		"app.debug":           true,
		"app.device_id":       "laptop",
		"storage.badger.path": "/tmp/hearth",
		"remote.type":         "redis",
	}
	if len(overrides) != len(want) {
		t.Errorf("Expected %d overrides, got %d", len(want), len(overrides))
	}
	for k, v := range want {
		if overrides[k] != v {
			t.Errorf("overrides[%q] = %v, want %v", k, overrides[k], v)
		}
	}
}

func TestPrintVersion(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), []string{"-version"}, &out, &bytes.Buffer{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	for _, expected := range []string{"hearth", "Version:", "Build Time:", "Git Commit:", "Go Version:"} {
		if !strings.Contains(out.String(), expected) {
			t.Errorf("Expected output to contain %q. Output: %s", expected, out.String())
		}
	}
}

func TestPrintHelp(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), []string{"-help"}, &out, &bytes.Buffer{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	for _, expected := range []string{"hearth", "Usage:", "Options:", "Examples:", "-config", "HEARTH_"} {
		if !strings.Contains(out.String(), expected) {
			t.Errorf("Expected output to contain %q. Output: %s", expected, out.String())
		}
	}
}

func TestWatchConfig_AppliesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	log := logger.New(&logger.Config{Level: logger.InfoLevel, Format: "json", Output: filepath.Join(t.TempDir(), "out.log")})
	defer log.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := watchConfig(ctx, path, cfg, log)
	defer stop()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for log.GetLevel() != logger.DebugLevel {
		if time.Now().After(deadline) {
			t.Fatalf("log level = %v, want debug", log.GetLevel())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
