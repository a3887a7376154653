//go:build integration

package httpcache_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/marmos91/streamcache/pkg/cache"
	"github.com/marmos91/streamcache/pkg/journal"
)

const payloadSize = 256 * 1024

// nginxHelper manages an nginx container serving the test payload. nginx
// answers ranged requests against static files out of the box, which is
// exactly the origin behavior the cache depends on.
type nginxHelper struct {
	container testcontainers.Container
	baseURL   string
}

func newNginxHelper(t *testing.T, payloadPath string) *nginxHelper {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nginx:1.27-alpine",
		ExposedPorts: []string{"80/tcp"},
		Files: []testcontainers.ContainerFile{
			{
				HostFilePath:      payloadPath,
				ContainerFilePath: "/usr/share/nginx/html/media.bin",
				FileMode:          0o644,
			},
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("80/tcp"),
			wait.ForHTTP("/media.bin").
				WithPort("80/tcp").
				WithStartupTimeout(60*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start nginx container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "80")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	return &nginxHelper{
		container: container,
		baseURL:   fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
}

func makePayload(t *testing.T) (path string, data []byte) {
	t.Helper()
	data = make([]byte, payloadSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path = filepath.Join(t.TempDir(), "media.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	return path, data
}

func testConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.FlushThreshold = 16 * 1024
	cfg.MaxReadChunk = 32 * 1024
	return cfg
}

// readAll drains one read request covering [offset, offset+length).
func readAll(t *testing.T, engine *cache.Engine, offset, length int64) []byte {
	t.Helper()

	req, err := engine.SubmitRead(offset, length)
	if err != nil {
		t.Fatalf("SubmitRead(%d, %d) failed: %v", offset, length, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var buf bytes.Buffer
	for {
		chunk, err := req.Next(ctx)
		if err == io.EOF {
			return buf.Bytes()
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		buf.Write(chunk.Data)
	}
}

func waitCompleted(t *testing.T, engine *cache.Engine) cache.Event {
	t.Helper()
	deadline := time.After(2 * time.Minute)
	for {
		select {
		case ev := <-engine.Events():
			switch ev.Kind {
			case cache.EventCompleted:
				return ev
			case cache.EventFailed:
				t.Fatalf("transfer failed: %v", ev.Err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}
}

func TestDownloadThroughNginx(t *testing.T) {
	payloadPath, payload := makePayload(t)
	nginx := newNginxHelper(t, payloadPath)

	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal"))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	defer func() { _ = j.Close() }()

	target := filepath.Join(dir, "media.bin")
	engine, err := cache.New(testConfig(), cache.Options{
		URL:     nginx.baseURL + "/media.bin",
		Path:    target,
		Journal: j,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer func() { _ = engine.Close() }()

	// The first read starts the transfer implicitly.
	head := readAll(t, engine, 0, 4096)
	if !bytes.Equal(head, payload[:4096]) {
		t.Fatal("first 4096 bytes do not match payload")
	}

	waitCompleted(t, engine)

	got := readAll(t, engine, 0, payloadSize)
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded bytes do not match payload")
	}

	entry, err := j.Get(nginx.baseURL + "/media.bin")
	if err != nil {
		t.Fatalf("journal entry missing: %v", err)
	}
	if !entry.Completed {
		t.Error("journal entry not marked completed")
	}
	if entry.Downloaded != payloadSize {
		t.Errorf("journal downloaded = %d, want %d", entry.Downloaded, payloadSize)
	}
}

func TestResumeFromPartialFile(t *testing.T) {
	payloadPath, payload := makePayload(t)
	nginx := newNginxHelper(t, payloadPath)

	dir := t.TempDir()
	target := filepath.Join(dir, "media.bin")

	// Seed a partial prefix as if an earlier session was interrupted.
	const seeded = 100_000
	if err := os.WriteFile(target, payload[:seeded], 0o644); err != nil {
		t.Fatalf("failed to seed partial file: %v", err)
	}

	engine, err := cache.New(testConfig(), cache.Options{
		URL:  nginx.baseURL + "/media.bin",
		Path: target,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer func() { _ = engine.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitCompleted(t, engine)

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("failed to read completed file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("resumed file does not match payload")
	}
}
