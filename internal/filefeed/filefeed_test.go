package filefeed

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatch(t *testing.T, path string) (<-chan string, <-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	values := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(v json.RawMessage) error {
			values <- string(v)
			return nil
		})
	}()
	t.Cleanup(cancel)
	return values, done, cancel
}

func next(t *testing.T, values <-chan string) string {
	t.Helper()
	select {
	case v := <-values:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for value")
	}
	return ""
}

func TestWatch_DeliversChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"n":1}`+"\n"), 0644))

	values, done, cancel := startWatch(t, path)
	assert.Equal(t, `{"n":1}`, next(t, values))

	// Invalid and unchanged content is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"n":`), 0644))
	require.NoError(t, os.WriteFile(path, []byte(`{"n":1}`), 0644))
	require.NoError(t, os.WriteFile(path, []byte(`{"n":2}`), 0644))
	assert.Equal(t, `{"n":2}`, next(t, values))

	// Replace by rename.
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(`{"n":3}`), 0644))
	require.NoError(t, os.Rename(tmp, path))
	assert.Equal(t, `{"n":3}`, next(t, values))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
	select {
	case v := <-values:
		t.Fatalf("unexpected value %s", v)
	default:
	}
}

func TestWatch_MissingFileWaitsForCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.json")
	values, _, _ := startWatch(t, path)

	// The watcher is registered before the first read; give it a moment.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`[1,2]`), 0644))
	assert.Equal(t, `[1,2]`, next(t, values))
}

func TestWatch_StopsOnCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value.json")
	require.NoError(t, os.WriteFile(path, []byte(`true`), 0644))

	stop := errors.New("stop")
	err := Watch(context.Background(), path, func(json.RawMessage) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "value.json"), func(json.RawMessage) error { return nil })
	assert.Error(t, err)
}
