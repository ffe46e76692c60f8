package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telnet2/patchsync/internal/broadcast"
	"github.com/telnet2/patchsync/internal/hub"
	"github.com/telnet2/patchsync/pkg/types"
)

const (
	wsWriteWait = 10 * time.Second
	// wsMaxMessage bounds client messages, which are only acks.
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage is a message sent by a WebSocket subscriber.
type ClientMessage struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
}

// wsWriter writes patch frames as JSON text messages. The pump is the only
// writer of data frames; pings go through WriteControl.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) writePatch(sp *types.SequencedPatch) error {
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(sp)
}

func (w *wsWriter) writeHeartbeat() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// acksOnWrite is false: WebSocket clients send their own acks.
func (w *wsWriter) acksOnWrite() bool { return false }

// channelSocket streams one channel over a WebSocket. Frames are sequenced
// patches; the client may send {"type":"ack","sequence":n}.
func (srv *Server) channelSocket(w http.ResponseWriter, r *http.Request) {
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

	// Subscribing before the upgrade lets unknown channels fail with a
	// plain HTTP error.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session, err := srv.hub.Subscribe(ctx, id, hub.SubscribeOptions{
		ResumeFrom:    resume,
		QueueCapacity: capacity,
	})
	if err != nil {
		srv.writeChannelError(w, id, err)
		return
	}
	defer session.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		srv.log.Warn().Err(err).Str("channel", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	go srv.readAcks(conn, session, cancel)

	err = srv.pump(ctx, []*broadcast.Session{session}, &wsWriter{conn: conn}, "ws")
	if err == nil || err == context.Canceled {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
	} else {
		code := websocket.CloseInternalServerErr
		if err == broadcast.ErrSessionClosed {
			code = websocket.CloseGoingAway
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			time.Now().Add(wsWriteWait))
	}
	srv.finish([]*broadcast.Session{session}, err)
}

// readAcks consumes client messages until the connection fails, then
// cancels the stream.
func (srv *Server) readAcks(conn *websocket.Conn, session *broadcast.Session, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsMaxMessage)
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				srv.log.Debug().Err(err).Str("session", session.ID()).Msg("websocket read ended")
			}
			return
		}
		switch msg.Type {
		case "ack":
			session.Ack(msg.Sequence)
		default:
			srv.log.Debug().Str("type", msg.Type).Str("session", session.ID()).Msg("ignoring client message")
		}
	}
}
