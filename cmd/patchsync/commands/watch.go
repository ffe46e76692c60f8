package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/telnet2/patchsync/internal/client"
)

var watchDiff bool

var watchCmd = &cobra.Command{
	Use:   "watch <channel>",
	Short: "Follow a channel and print every value",
	Long: `Follow a channel over SSE and print its value after every patch.

The replica reconnects with backoff and resumes from the last sequence it
applied. With --diff only the changed lines of the pretty-printed value
are shown.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchDiff, "diff", false, "Print line diffs between consecutive values")
}

type update struct {
	value any
	seq   uint64
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replica := client.New(serverURL, args[0], client.Options{})

	// Watch callbacks must not block; printing happens here.
	updates := make(chan update, 64)
	unwatch := replica.Watch(func(value any, seq uint64) {
		select {
		case updates <- update{value, seq}:
		default:
		}
	})
	defer unwatch()

	errCh := make(chan error, 1)
	go func() { errCh <- replica.Run(ctx) }()

	out := cmd.OutOrStdout()
	prev := ""
	for {
		select {
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case u := <-updates:
			text, err := pretty(u.value)
			if err != nil {
				return err
			}
			if watchDiff && prev != "" {
				fmt.Fprintf(out, "@@ %d\n", u.seq)
				writeLineDiff(out, prev, text)
			} else {
				fmt.Fprintf(out, "# %d\n%s", u.seq, text)
			}
			prev = text
		}
	}
}

func pretty(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

// writeLineDiff prints the lines removed from a and added in b.
func writeLineDiff(w io.Writer, a, b string) {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			fmt.Fprint(w, prefix, line)
		}
	}
}

