package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/telnet2/patchsync/internal/filefeed"
	"github.com/telnet2/patchsync/internal/hub"
	"github.com/telnet2/patchsync/internal/logging"
	"github.com/telnet2/patchsync/internal/patch"
)

// feed binds a JSON file to a channel.
type feed struct {
	Channel string
	Path    string
}

// parseFeeds parses channel=path pairs.
func parseFeeds(specs []string) ([]feed, error) {
	feeds := make([]feed, 0, len(specs))
	for _, s := range specs {
		id, path, ok := strings.Cut(s, "=")
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("invalid feed %q, want channel=path", s)
		}
		feeds = append(feeds, feed{Channel: id, Path: path})
	}
	return feeds, nil
}

// runFeed publishes the file of f into the hub until ctx ends. Values the
// channel rejects are logged and skipped.
func runFeed(ctx context.Context, h *hub.Hub, f feed) error {
	log := logging.Component("feed").With().Str("channel", f.Channel).Str("path", f.Path).Logger()

	err := filefeed.Watch(ctx, f.Path, func(value json.RawMessage) error {
		sp, err := h.Publish(ctx, f.Channel, value)
		switch {
		case errors.Is(err, patch.ErrMalformedSnapshot):
			log.Warn().Err(err).Msg("value rejected")
			return nil
		case err != nil:
			return err
		case sp != nil:
			log.Debug().Uint64("sequence", sp.Sequence).Msg("published")
		}
		return nil
	})
	if ctx.Err() != nil || errors.Is(err, hub.ErrClosed) {
		return nil
	}
	return err
}
