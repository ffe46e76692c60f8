// Package filefeed turns a JSON file into a stream of values: the file is
// read once at start and again whenever it changes on disk.
package filefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/telnet2/patchsync/internal/logging"
)

// Func receives each new file content. A returned error stops Watch.
type Func func(value json.RawMessage) error

// Watch calls fn with the content of path now and after every change, until
// ctx ends. Content that is empty, not valid JSON (typically a write in
// progress) or identical to the last delivered value is skipped.
func Watch(ctx context.Context, path string, fn Func) error {
	log := logging.Component("filefeed")

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace files by rename, which
	// drops a watch placed on the file itself.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var last []byte
	load := func() error {
		data, err := os.ReadFile(abs)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("path", abs).Msg("read failed")
			}
			return nil
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, last) {
			return nil
		}
		if !json.Valid(data) {
			log.Debug().Str("path", abs).Msg("skipping invalid JSON")
			return nil
		}
		last = data
		return fn(json.RawMessage(data))
	}

	if err := load(); err != nil {
		return err
	}
	log.Info().Str("path", abs).Msg("watching")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := load(); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}
