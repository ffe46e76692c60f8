package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telnet2/patchsync/pkg/types"
)

// PublishResponse is returned by POST /channel/{id}.
type PublishResponse struct {
	Changed  bool        `json:"changed"`
	Sequence uint64      `json:"sequence"`
	Patch    types.Patch `json:"patch,omitempty"`
}

// readValue reads a request body holding one JSON value. An empty body
// yields a nil value and empty=true.
func (srv *Server) readValue(w http.ResponseWriter, r *http.Request) (value json.RawMessage, empty bool, err error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, srv.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, false, errors.New("request body too large")
		}
		return nil, false, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, true, nil
	}
	return json.RawMessage(body), false, nil
}

// listChannels handles GET /channel. ?match= filters ids by glob.
func (srv *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	infos := srv.hub.Channels()
	if pattern := r.URL.Query().Get("match"); pattern != "" {
		var err error
		if infos, err = filterChannels(infos, pattern); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, infos)
}

// registerChannel handles PUT /channel/{id}. The body is the initial value;
// an empty body registers null.
func (srv *Server) registerChannel(w http.ResponseWriter, r *http.Request) {
	id := channelID(r)

	value, empty, err := srv.readValue(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	var initial any
	if !empty {
		initial = value
	}

	info, err := srv.hub.Register(r.Context(), id, initial)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// getSnapshot handles GET /channel/{id}.
func (srv *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id := channelID(r)
	snap, err := srv.hub.Snapshot(id)
	if err != nil {
		srv.writeChannelError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// getChannel handles GET /channel/{id}/info.
func (srv *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	id := channelID(r)
	info, err := srv.hub.Channel(id)
	if err != nil {
		srv.writeChannelError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// publish handles POST /channel/{id}. The body is the new full value.
func (srv *Server) publish(w http.ResponseWriter, r *http.Request) {
	id := channelID(r)

	value, empty, err := srv.readValue(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if empty {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "value required")
		return
	}

	sp, err := srv.hub.Publish(r.Context(), id, value)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if sp == nil {
		snap, err := srv.hub.Snapshot(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PublishResponse{Sequence: snap.Sequence})
		return
	}
	writeJSON(w, http.StatusOK, PublishResponse{
		Changed:  true,
		Sequence: sp.Sequence,
		Patch:    sp.Patch,
	})
}

// unregisterChannel handles DELETE /channel/{id}.
func (srv *Server) unregisterChannel(w http.ResponseWriter, r *http.Request) {
	id := channelID(r)
	if err := srv.hub.Unregister(r.Context(), id); err != nil {
		srv.writeChannelError(w, id, err)
		return
	}
	writeSuccess(w)
}

// listSessions handles GET /channel/{id}/sessions.
func (srv *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	id := channelID(r)
	if _, err := srv.hub.Channel(id); err != nil {
		srv.writeChannelError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, srv.hub.Sessions(id))
}

// closeSession handles DELETE /session/{id}.
func (srv *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := srv.hub.Unsubscribe(chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w)
}

// health handles GET /health.
func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": len(srv.hub.Channels()),
	})
}
