package hub

import (
	"github.com/telnet2/patchsync/internal/broadcast"
	"github.com/telnet2/patchsync/internal/event"
	"github.com/telnet2/patchsync/internal/metrics"
	"github.com/telnet2/patchsync/internal/storage"
	"github.com/telnet2/patchsync/pkg/types"
)

// DefaultHistorySize is the number of recent patches kept per channel.
const DefaultHistorySize = 128

// Options configures a Hub. Zero values select defaults.
type Options struct {
	// QueueCapacity bounds each session's outbound queue.
	QueueCapacity int
	// HistorySize is the per-channel resume backlog. Negative disables it.
	HistorySize int
	// Storage, when set, persists every snapshot change.
	Storage *storage.Storage
	// Bus receives lifecycle events. A private bus is created when nil.
	Bus *event.Bus
	// Metrics receives instrumentation. A private registry is used when nil.
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = broadcast.DefaultCapacity
	}
	if o.HistorySize == 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.HistorySize < 0 {
		o.HistorySize = 0
	}
	return o
}

// OptionsFromConfig maps the hub section of the configuration. Storage is
// left for the caller, who knows where state lives.
func OptionsFromConfig(cfg *types.HubConfig) Options {
	var opts Options
	if cfg == nil {
		return opts
	}
	opts.QueueCapacity = cfg.QueueCapacity
	if cfg.HistorySize != nil {
		opts.HistorySize = *cfg.HistorySize
		if opts.HistorySize == 0 {
			opts.HistorySize = -1
		}
	}
	return opts
}
