// Package client keeps a local replica of a channel by following its SSE
// stream and applying each patch to the last known value.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/telnet2/patchsync/internal/logging"
	"github.com/telnet2/patchsync/internal/patch"
	"github.com/telnet2/patchsync/pkg/types"
)

var (
	// ErrNotFound is returned by Run when the server does not know the channel.
	ErrNotFound = errors.New("channel not found")
	// ErrNotSynced is returned by Decode before the first snapshot arrives.
	ErrNotSynced = errors.New("replica not synced")

	errGap = errors.New("sequence gap")
)

const (
	// RetryInitialInterval is the first reconnect delay.
	RetryInitialInterval = 250 * time.Millisecond
	// RetryMaxInterval caps the reconnect delay.
	RetryMaxInterval = 10 * time.Second
)

// Options configures a Replica.
type Options struct {
	// HTTPClient is used for the stream. It must not set a Timeout.
	HTTPClient *http.Client
	// InitialInterval and MaxInterval shape the reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime stops reconnecting after this long without a
	// successful connection. Zero retries until the context ends.
	MaxElapsedTime time.Duration
}

// WatchFunc receives every new value with its sequence. The value is shared
// and must not be modified.
type WatchFunc func(value any, seq uint64)

// Replica mirrors one channel of a patchsync server.
type Replica struct {
	endpoint string
	channel  string
	opts     Options
	log      zerolog.Logger

	mu       sync.RWMutex
	value    any
	seq      uint64
	synced   bool
	watchers map[uint64]WatchFunc
	nextID   uint64

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a replica of channel served at baseURL. Call Run to start it.
func New(baseURL, channel string, opts Options) *Replica {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = RetryInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = RetryMaxInterval
	}
	return &Replica{
		endpoint: strings.TrimRight(baseURL, "/") + "/channel/" + url.PathEscape(channel) + "/sse",
		channel:  channel,
		opts:     opts,
		log:      logging.Component("client").With().Str("channel", channel).Logger(),
		watchers: make(map[uint64]WatchFunc),
		ready:    make(chan struct{}),
	}
}

// Channel returns the replicated channel name.
func (r *Replica) Channel() string { return r.channel }

// Value returns the current value, or nil before the first snapshot. The
// value is shared and must not be modified.
func (r *Replica) Value() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// Sequence returns the sequence of the current value and whether the
// replica has synced at least once.
func (r *Replica) Sequence() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq, r.synced
}

// Decode stores the current value in the value pointed to by into.
func (r *Replica) Decode(into any) error {
	r.mu.RLock()
	value, synced := r.value, r.synced
	r.mu.RUnlock()
	if !synced {
		return ErrNotSynced
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, into)
}

// Watch registers fn for every new value and returns a function removing it.
// fn is called from the stream goroutine and must not block.
func (r *Replica) Watch(fn WatchFunc) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

// Ready is closed once the first snapshot has been applied.
func (r *Replica) Ready() <-chan struct{} {
	return r.ready
}

// Wait blocks until the replica has synced or ctx ends.
func (r *Replica) Wait(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run follows the stream until ctx ends, reconnecting with exponential
// backoff. Reconnects resume from the last applied sequence. It returns
// ErrNotFound if the channel does not exist.
func (r *Replica) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = r.opts.MaxInterval
	b.MaxElapsedTime = r.opts.MaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()

	op := func() error {
		err := r.follow(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn().Err(err).Dur("retryIn", wait).Msg("stream interrupted")
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// follow runs one connection. connected is called once the stream is open.
func (r *Replica) follow(ctx context.Context, connected func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if seq, ok := r.Sequence(); ok {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(seq, 10))
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, r.channel)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	connected()
	r.log.Debug().Msg("stream connected")

	return readStream(resp.Body, func(name, data string) error {
		if name != r.channel {
			return nil
		}
		var sp types.SequencedPatch
		if err := json.Unmarshal([]byte(data), &sp); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		return r.apply(&sp)
	})
}

// apply folds one frame into the replica. Frames already applied are
// skipped; a frame that does not follow the current sequence is a gap and
// ends the connection so the next one resumes.
func (r *Replica) apply(sp *types.SequencedPatch) error {
	r.mu.Lock()
	switch {
	case sp.Resync:
	case !r.synced:
		r.mu.Unlock()
		return fmt.Errorf("%w: patch %d before snapshot", errGap, sp.Sequence)
	case sp.Sequence <= r.seq:
		r.mu.Unlock()
		return nil
	case sp.Sequence != r.seq+1:
		seq := r.seq
		r.mu.Unlock()
		return fmt.Errorf("%w: have %d, got %d", errGap, seq, sp.Sequence)
	}

	next, err := patch.Apply(r.value, sp.Patch)
	if err != nil {
		// The next connection starts from a snapshot.
		r.synced = false
		r.mu.Unlock()
		return err
	}
	r.value = next
	r.seq = sp.Sequence
	r.synced = true
	watchers := make([]WatchFunc, 0, len(r.watchers))
	for _, fn := range r.watchers {
		watchers = append(watchers, fn)
	}
	r.mu.Unlock()

	r.readyOnce.Do(func() { close(r.ready) })
	for _, fn := range watchers {
		fn(next, sp.Sequence)
	}
	return nil
}

// readStream calls fn for every event of a text/event-stream body. It
// returns io.ErrUnexpectedEOF when the body ends.
func readStream(body io.Reader, fn func(name, data string) error) error {
	reader := bufio.NewReader(body)
	var name string
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() > 0 {
				if err := fn(name, data.String()); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Comment (heartbeat)
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
