package server

import (
	"context"
	"errors"
	"time"

	"github.com/telnet2/patchsync/internal/broadcast"
	"github.com/telnet2/patchsync/pkg/types"
)

// frameWriter turns session output into transport frames.
type frameWriter interface {
	writePatch(sp *types.SequencedPatch) error
	writeHeartbeat() error
}

// ackOnWrite is implemented by frame writers whose clients acknowledge
// frames themselves.
type ackOnWrite interface {
	acksOnWrite() bool
}

// pump drains sessions into out until ctx ends, a write fails or every
// session has closed. A closed session is dropped from the stream while its
// siblings keep streaming. Sessions are drained one at a time, so frames of
// one channel stay in sequence order.
func (srv *Server) pump(ctx context.Context, sessions []*broadcast.Session, out frameWriter, transport string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sessions = append([]*broadcast.Session(nil), sessions...)

	wake := make(chan struct{}, 1)
	poke := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	for _, s := range sessions {
		go func(s *broadcast.Session) {
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.Done():
					poke()
					return
				case <-s.Ready():
					poke()
				}
			}
		}(s)
	}
	poke()

	ack := true
	if a, ok := out.(ackOnWrite); ok {
		ack = a.acksOnWrite()
	}
	frames := srv.hub.Metrics().FramesWritten.WithLabelValues(transport)

	ticker := time.NewTicker(srv.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := out.writeHeartbeat(); err != nil {
				return err
			}
		case <-wake:
			live := sessions[:0]
			for _, s := range sessions {
				batch, err := s.Drain()
				if errors.Is(err, broadcast.ErrSessionClosed) {
					continue
				}
				if err != nil {
					return err
				}
				live = append(live, s)
				for _, sp := range batch {
					if err := out.writePatch(sp); err != nil {
						return err
					}
					frames.Inc()
					if ack {
						s.Ack(sp.Sequence)
					}
				}
			}
			sessions = live
			if len(sessions) == 0 {
				return broadcast.ErrSessionClosed
			}
		}
	}
}
