package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agnivade/levenshtein"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"

	"github.com/telnet2/patchsync/internal/channel"
	"github.com/telnet2/patchsync/pkg/types"
)

// channelID returns the {id} route parameter. chi matches on the escaped
// path when one is present, so ids holding "/" arrive as "%2F".
func channelID(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if u, err := url.PathUnescape(id); err == nil {
		return u
	}
	return id
}

// filterChannels keeps the channels whose id matches a glob pattern. "*"
// stays within one "/" segment and "**" spans segments.
func filterChannels(infos []types.ChannelInfo, pattern string) ([]types.ChannelInfo, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid match pattern %q", pattern)
	}
	out := make([]types.ChannelInfo, 0, len(infos))
	for _, info := range infos {
		if ok, _ := doublestar.Match(pattern, info.ID); ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// suggestChannel returns the registered channel closest to id, or "" when
// none is within a third of its length in edits.
func (srv *Server) suggestChannel(id string) string {
	limit := max(1, len(id)/3)
	best, bestDist := "", limit+1
	for _, info := range srv.hub.Channels() {
		if d := levenshtein.ComputeDistance(id, info.ID); d < bestDist {
			best, bestDist = info.ID, d
		}
	}
	return best
}

// writeChannelError is writeEngineError with a suggestion attached to
// unknown channel errors.
func (srv *Server) writeChannelError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, channel.ErrUnknownChannel) {
		if s := srv.suggestChannel(id); s != "" {
			writeErrorWithDetails(w, http.StatusNotFound, ErrCodeNotFound, err.Error(),
				map[string]any{"suggestion": s})
			return
		}
	}
	writeEngineError(w, err)
}
