package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telnet2/patchsync/internal/filefeed"
	"github.com/telnet2/patchsync/internal/server"
	"github.com/telnet2/patchsync/pkg/types"
)

var (
	publishRegister bool
	publishFile     string
	publishWatch    bool
)

var publishCmd = &cobra.Command{
	Use:   "publish <channel> [value]",
	Short: "Publish a JSON value to a channel",
	Long: `Publish a full JSON value to a channel and print the resulting patch.

The value is read from the second argument, from --file, or from stdin
when both are omitted or the argument is "-". With --register the channel
is created with the value instead, failing if it already exists.

With --file and --watch the file is published again whenever it changes,
until interrupted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().BoolVar(&publishRegister, "register", false, "Register the channel with the value as its initial value")
	publishCmd.Flags().StringVarP(&publishFile, "file", "f", "", "Read the value from a file")
	publishCmd.Flags().BoolVarP(&publishWatch, "watch", "w", false, "Publish the file again whenever it changes (requires --file)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	id := args[0]

	if publishWatch {
		if publishFile == "" {
			return errors.New("--watch requires --file")
		}
		if publishRegister {
			return errors.New("--watch cannot be combined with --register")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watchFile(ctx, cmd.OutOrStdout(), id, publishFile)
	}

	var raw []byte
	switch {
	case publishFile != "":
		b, err := os.ReadFile(publishFile)
		if err != nil {
			return err
		}
		raw = b
	case len(args) == 2 && args[1] != "-":
		raw = []byte(args[1])
	default:
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		raw = b
	}
	if !json.Valid(raw) {
		return fmt.Errorf("value is not valid JSON")
	}

	out := cmd.OutOrStdout()
	if publishRegister {
		var info types.ChannelInfo
		if err := apiRequest("PUT", channelPath(id), raw, &info); err != nil {
			return err
		}
		return printJSON(out, info)
	}

	var resp server.PublishResponse
	if err := apiRequest("POST", channelPath(id), raw, &resp); err != nil {
		return err
	}
	return printJSON(out, resp)
}

// watchFile publishes the file at path on every change until ctx ends.
func watchFile(ctx context.Context, out io.Writer, id, path string) error {
	return filefeed.Watch(ctx, path, func(value json.RawMessage) error {
		var resp server.PublishResponse
		if err := apiRequest("POST", channelPath(id), value, &resp); err != nil {
			fmt.Fprintf(out, "publish failed: %v\n", err)
			return nil
		}
		if resp.Changed {
			fmt.Fprintf(out, "# %d (%d ops)\n", resp.Sequence, len(resp.Patch))
		}
		return nil
	})
}
