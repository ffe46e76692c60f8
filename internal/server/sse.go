package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/telnet2/patchsync/internal/broadcast"
	"github.com/telnet2/patchsync/internal/event"
	"github.com/telnet2/patchsync/internal/hub"
	"github.com/telnet2/patchsync/pkg/types"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 15 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	// withID adds an id: line carrying the sequence to patch frames.
	withID bool
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// setSSEHeaders sets the headers of an event stream response.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// flush pushes buffered frames through any middleware wrappers.
func (s *sseWriter) flush() {
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

// writeEvent writes an SSE event.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writePatch writes a patch frame named after its channel.
func (s *sseWriter) writePatch(sp *types.SequencedPatch) error {
	if !s.withID {
		return s.writeEvent(sp.Channel, sp)
	}
	jsonData, err := json.Marshal(sp)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", sp.Sequence, sp.Channel, jsonData); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprintf(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// resumePoint reads the last sequence a reconnecting client already has,
// from Last-Event-ID or the since query parameter.
func resumePoint(r *http.Request) (*uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	if raw == "" {
		return nil, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid resume sequence %q", raw)
	}
	return hub.Resume(seq), nil
}

// queueCapacity reads the optional capacity query parameter.
func queueCapacity(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("capacity")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid capacity %q", raw)
	}
	return n, nil
}

// channelEvents streams one channel: the snapshot (or resume backlog) first,
// then every patch, each frame carrying its sequence as the event id.
func (srv *Server) channelEvents(w http.ResponseWriter, r *http.Request) {
	id := channelID(r)

	resume, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	capacity, err := queueCapacity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	setSSEHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	sse.withID = true

	session, err := srv.hub.Subscribe(r.Context(), id, hub.SubscribeOptions{
		ResumeFrom:    resume,
		QueueCapacity: capacity,
	})
	if err != nil {
		srv.writeChannelError(w, id, err)
		return
	}
	defer session.Close()

	w.WriteHeader(http.StatusOK)
	sse.flush()

	srv.finish([]*broadcast.Session{session}, srv.pump(r.Context(), []*broadcast.Session{session}, sse, "sse"))
}

// multiChannelEvents multiplexes several channels on one stream. Frames are
// told apart by their event name; they carry no id since sequences are
// per channel. Channels are named by ?channel= and by the ?match= glob,
// which is expanded once when the stream opens.
func (srv *Server) multiChannelEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ids := query["channel"]
	pattern := query.Get("match")
	if len(ids) == 0 && pattern == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "channel or match required")
		return
	}
	if pattern != "" {
		matched, err := filterChannels(srv.hub.Channels(), pattern)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		if len(matched) == 0 && len(ids) == 0 {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "no channel matches "+pattern)
			return
		}
		for _, info := range matched {
			ids = append(ids, info.ID)
		}
	}
	capacity, err := queueCapacity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	setSSEHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	sessions := make([]*broadcast.Session, 0, len(ids))
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		s, err := srv.hub.Subscribe(r.Context(), id, hub.SubscribeOptions{QueueCapacity: capacity})
		if err != nil {
			srv.writeChannelError(w, id, err)
			return
		}
		sessions = append(sessions, s)
	}

	w.WriteHeader(http.StatusOK)
	sse.flush()

	srv.finish(sessions, srv.pump(r.Context(), sessions, sse, "sse"))
}

// lifecycleEvents streams hub lifecycle events until the client goes away.
// Events are read from the bus's watermill topics; each message is acked
// once its frame is written.
func (srv *Server) lifecycleEvents(w http.ResponseWriter, r *http.Request) {
	setSSEHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	messages, err := srv.hub.Bus().AllMessages(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}

	// Headers go out after subscribing, so a client that saw them sees
	// every later event.
	w.WriteHeader(http.StatusOK)
	sse.flush()

	ticker := time.NewTicker(srv.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var e struct {
				Type event.EventType `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				srv.log.Warn().Err(err).Str("messageID", msg.UUID).Msg("dropping undecodable lifecycle event")
				msg.Ack()
				continue
			}
			if err := sse.writeEvent(string(e.Type), e.Data); err != nil {
				msg.Nack()
				return
			}
			msg.Ack()
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}

// finish closes the sessions of an ended stream, recording transport
// failures as the close cause.
func (srv *Server) finish(sessions []*broadcast.Session, err error) {
	for _, s := range sessions {
		if err != nil && !errors.Is(err, broadcast.ErrSessionClosed) && !errors.Is(err, context.Canceled) {
			s.Fail(err)
			continue
		}
		s.Close()
	}
}
