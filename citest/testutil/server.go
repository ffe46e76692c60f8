package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/telnet2/patchsync/internal/hub"
	"github.com/telnet2/patchsync/internal/server"
	"github.com/telnet2/patchsync/internal/storage"
)

// TestServer wraps a running server and its hub for testing
type TestServer struct {
	Server  *server.Server
	Hub     *hub.Hub
	Storage *storage.Storage
	BaseURL string
	TempDir string
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	envFile     string
	storageDir  string
	persist     bool
	capacity    int
	historySize int
	heartbeat   time.Duration
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithPersistence persists snapshots under dir, or under the server's temp
// directory when dir is empty.
func WithPersistence(dir string) TestServerOption {
	return func(c *testServerConfig) {
		c.persist = true
		c.storageDir = dir
	}
}

// WithQueueCapacity sets the default session queue bound
func WithQueueCapacity(n int) TestServerOption {
	return func(c *testServerConfig) {
		c.capacity = n
	}
}

// WithHistorySize sets the per-channel resume backlog
func WithHistorySize(n int) TestServerOption {
	return func(c *testServerConfig) {
		c.historySize = n
	}
}

// WithHeartbeat sets the stream heartbeat interval
func WithHeartbeat(d time.Duration) TestServerOption {
	return func(c *testServerConfig) {
		c.heartbeat = d
	}
}

// StartTestServer creates and starts a test server
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{heartbeat: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(cfg)
	}

	// Load environment variables
	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		// Try default locations
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load("../.env")
		_ = godotenv.Load(".env")
	}

	// Create temp directory for test data
	tempDir, err := os.MkdirTemp("", "patchsync-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	hubOpts := hub.Options{
		QueueCapacity: cfg.capacity,
		HistorySize:   cfg.historySize,
	}
	if cfg.persist {
		dir := cfg.storageDir
		if dir == "" {
			dir = filepath.Join(tempDir, "storage")
		}
		hubOpts.Storage = storage.New(dir)
	}
	h := hub.New(hubOpts)

	if hubOpts.Storage != nil {
		if _, err := h.Restore(context.Background()); err != nil {
			h.Close()
			os.RemoveAll(tempDir)
			return nil, fmt.Errorf("failed to restore snapshots: %w", err)
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		h.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = listener.Addr().String()
	serverConfig.Heartbeat = cfg.heartbeat
	srv := server.New(serverConfig, h)

	ts := &TestServer{
		Server:  srv,
		Hub:     h,
		Storage: hubOpts.Storage,
		BaseURL: "http://" + listener.Addr().String(),
		TempDir: tempDir,
	}

	// Start server in background
	go func() {
		_ = srv.Serve(listener)
	}()

	// Wait for server to be ready
	if err := waitForServer(ts.BaseURL, 10*time.Second); err != nil {
		ts.Stop()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return ts, nil
}

// Stop closes the hub, which ends every stream, then shuts the server down
// and removes its temp directory.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts.Hub.Close()
	err := ts.Server.Shutdown(ctx)

	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return err
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// WebSocketURL returns the WebSocket endpoint of a channel
func (ts *TestServer) WebSocketURL(channel string) string {
	return "ws" + ts.BaseURL[len("http"):] + "/channel/" + channel + "/ws"
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
