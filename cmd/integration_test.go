package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/yinz628/email-filter-sub004/internal/config"
)

type integrationProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func startServerProcess(t *testing.T, configPath string, env map[string]string) *integrationProcess {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "go", "run", ".", "-config", configPath)
	cmd.Dir = "."
	cacheRoot := filepath.Join(os.TempDir(), "filterd-integration")
	cacheDir := filepath.Join(cacheRoot, "gocache")
	moduleCache := filepath.Join(cacheRoot, "gomodcache")
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gocache dir: %v", err)
	}
	if err := os.MkdirAll(moduleCache, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gomodcache dir: %v", err)
	}
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOCACHE="+cacheDir, "GOMODCACHE="+moduleCache)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start server process: %v", err)
	}

	proc := &integrationProcess{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}
	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		_ = cmd.Wait()
	}()
	return proc
}

func (p *integrationProcess) stop(t *testing.T) {
	t.Helper()
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGKILL)
		}
	}
	if t.Failed() {
		if out := strings.TrimSpace(p.stdout.String()); out != "" {
			t.Logf("server stdout:\n%s", out)
		}
		if errOut := strings.TrimSpace(p.stderr.String()); errOut != "" {
			t.Logf("server stderr:\n%s", errOut)
		}
	}
}

func (p *integrationProcess) logs() (string, string) {
	if p == nil {
		return "", ""
	}
	return p.stdout.String(), p.stderr.String()
}

func waitForEndpoint(t *testing.T, client *http.Client, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("failed to build probe request: %v", err)
		}
		resp, err := client.Do(req) // #nosec G107 - test helper for local server
		if err == nil {
			status := resp.StatusCode
			if cerr := resp.Body.Close(); cerr != nil {
				t.Fatalf("failed to close readiness probe body: %v", cerr)
			}
			if status < 500 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not respond successfully within %v", timeout)
}

// writeIntegrationConfig lays down a folder-sourced rule set plus a config
// file pointing the host at it. The loader parses YAML, which JSON is a
// subset of, so the marshaled document loads as-is.
func writeIntegrationConfig(t *testing.T, dir string, port int) string {
	t.Helper()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rulesDir, 0o750); err != nil {
		t.Fatalf("failed to ensure rules folder: %v", err)
	}

	ruleDoc := `rules:
  - id: block-lottery
    priority: 1
    action: block
    condition: 'message.subject.contains("lottery")'
    reason: lottery spam
  - id: flag-promo
    priority: 5
    action: flag
    condition: 'message.sender.endsWith("@deals.example")'
    reason: promotional sender
`
	if err := os.WriteFile(filepath.Join(rulesDir, "global.yaml"), []byte(ruleDoc), 0o600); err != nil {
		t.Fatalf("failed to write rules: %v", err)
	}

	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
		},
		"logging": map[string]any{
			"format": "text",
			"level":  "warn",
		},
		"cache": map[string]any{
			"ttl":        "5s",
			"maxEntries": 100,
		},
		"queue": map[string]any{
			"flushInterval": "100ms",
		},
		"rules": map[string]any{
			"source": "folder",
			"folder": map[string]any{
				"path":  rulesDir,
				"watch": false,
			},
		},
		"sideeffects": map[string]any{
			"stats": map[string]any{
				"enabled": true,
				"path":    filepath.Join(dir, "stats.db"),
			},
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	path := filepath.Join(dir, "integration-config.yaml")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if cerr := l.Close(); cerr != nil {
		t.Fatalf("failed to close listener: %v", cerr)
	}
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func TestIntegrationServerStartup(t *testing.T) {
	if os.Getenv("FILTERD_INTEGRATION") == "" {
		t.Skip("set FILTERD_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, port)

	loader := config.NewLoader("FILTERD", configPath)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load integration config: %v", err)
	}
	if cfg.Rules.Source != "folder" {
		t.Fatalf("expected folder rule source, got %q", cfg.Rules.Source)
	}

	process := startServerProcess(t, configPath, map[string]string{
		"FILTERD_LOGGING__LEVEL": "debug",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 45*time.Second)

	body := strings.NewReader(`{
		"id": "it-msg-1",
		"sender": "winner@deals.example",
		"recipient": "alice@corp.example",
		"subject": "lottery winner announcement",
		"scope": "acme"
	}`)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, integrationURL(port, "/webhook/inbound"), body)
	if err != nil {
		t.Fatalf("failed to build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req) // #nosec G107 - integration test
	if err != nil {
		t.Fatalf("failed to call webhook endpoint: %v", err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	if cerr := resp.Body.Close(); cerr != nil {
		t.Fatalf("failed to close webhook response body: %v", cerr)
	}

	if resp.StatusCode != http.StatusOK {
		stdout, stderr := process.logs()
		t.Fatalf("expected 200 OK, got %d\nbody:\n%s\nstdout:\n%s\nstderr:\n%s",
			resp.StatusCode, string(respBody), strings.TrimSpace(stdout), strings.TrimSpace(stderr))
	}

	var decision struct {
		Action string `json:"action"`
		RuleID string `json:"ruleId"`
	}
	if err := json.Unmarshal(respBody, &decision); err != nil {
		t.Fatalf("failed to decode decision: %v", err)
	}
	if decision.Action != "block" || decision.RuleID != "block-lottery" {
		t.Fatalf("expected block by block-lottery, got %+v", decision)
	}

	metricsResp, err := client.Get(integrationURL(port, "/metrics")) // #nosec G107 - integration test
	if err != nil {
		t.Fatalf("failed to scrape metrics: %v", err)
	}
	metricsBody, _ := io.ReadAll(metricsResp.Body)
	if cerr := metricsResp.Body.Close(); cerr != nil {
		t.Fatalf("failed to close metrics body: %v", cerr)
	}
	if !strings.Contains(string(metricsBody), "filterd_filter_decisions_total") {
		t.Fatalf("expected decision counter in metrics output")
	}
	t.Logf("integration server responded from %s", integrationURL(port, "/webhook/inbound"))
}
