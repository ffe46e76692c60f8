package commands

import (
	"errors"
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/telnet2/patchsync/internal/config"
	"github.com/telnet2/patchsync/internal/storage"
	"github.com/telnet2/patchsync/pkg/types"
)

var (
	snapshotValueOnly bool
	channelsMatch     string
	fromStore         bool
)

// snapshotStore opens the snapshot directory a persisting server writes to.
func snapshotStore() *storage.Storage {
	return storage.New(config.GetPaths().StoragePath())
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <channel>",
	Short: "Print the current snapshot of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap types.Snapshot
		if fromStore {
			var err error
			snap, err = snapshotStore().LoadSnapshot(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no stored snapshot for channel %q", args[0])
			}
			if err != nil {
				return err
			}
		} else if err := apiRequest("GET", channelPath(args[0]), nil, &snap); err != nil {
			return err
		}
		if snapshotValueOnly {
			return printJSON(cmd.OutOrStdout(), snap.Value)
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if fromStore {
			return listStored(cmd)
		}
		path := "/channel"
		if channelsMatch != "" {
			path += "?match=" + url.QueryEscape(channelsMatch)
		}
		var channels []types.ChannelInfo
		if err := apiRequest("GET", path, nil, &channels); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tSEQUENCE\tSESSIONS\tUPDATED")
		for _, c := range channels {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", c.ID, c.Sequence, c.Sessions, c.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// listStored lists persisted channels without a running server.
func listStored(cmd *cobra.Command) error {
	if channelsMatch != "" && !doublestar.ValidatePattern(channelsMatch) {
		return fmt.Errorf("invalid match pattern %q", channelsMatch)
	}
	ctx := cmd.Context()
	store := snapshotStore()
	ids, err := store.StoredChannels(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tSEQUENCE")
	for _, id := range ids {
		if channelsMatch != "" {
			if ok, _ := doublestar.Match(channelsMatch, id); !ok {
				continue
			}
		}
		snap, err := store.LoadSnapshot(ctx, id)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\n", id, snap.Sequence)
	}
	return w.Flush()
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotValueOnly, "value", false, "Print only the value")
	snapshotCmd.Flags().BoolVar(&fromStore, "from-store", false, "Read the snapshot persisted by a --persist server instead of asking the server")
	channelsCmd.Flags().StringVar(&channelsMatch, "match", "", "Only list channels whose id matches this glob")
	channelsCmd.Flags().BoolVar(&fromStore, "from-store", false, "List channels persisted by a --persist server instead of asking the server")
}
