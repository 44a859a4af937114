package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orbiterhq/mmq"
)

// parseIndex accepts first, last, end or a decimal index.
func parseIndex(s string) (int64, error) {
	switch strings.ToLower(s) {
	case "first", "earliest":
		return mmq.IndexFirst, nil
	case "last":
		return mmq.IndexLast, nil
	case "end", "latest":
		return mmq.IndexEnd, nil
	}
	index, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return mmq.IndexNull, fmt.Errorf("invalid index %q: expected first|last|end or a number", s)
	}
	return index, nil
}

// entry is the JSON form of one queue entry.
type entry struct {
	Index   int64  `json:"index"`
	Payload string `json:"payload"`
}

func writeEntry(w io.Writer, asJSON bool, index int64, payload []byte) error {
	if asJSON {
		return json.NewEncoder(w).Encode(entry{Index: index, Payload: string(payload)})
	}
	_, err := fmt.Fprintf(w, "%d\t%s\n", index, payload)
	return err
}

// newAppendCommand constructs the `append` command.
func newAppendCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append [payload...]",
		Short: "Append payloads given as arguments, or one per stdin line",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStdin, _ := cmd.Flags().GetBool("stdin")
			if len(args) == 0 && !fromStdin {
				return fmt.Errorf("nothing to append: pass payloads or --stdin")
			}

			q, done, err := opts.openQueue(true)
			if err != nil {
				return err
			}
			defer done()
			appender, err := q.CreateAppender()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			appendOne := func(payload []byte) error {
				index, err := appender.Append(payload)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, index)
				return err
			}
			for _, arg := range args {
				if err := appendOne([]byte(arg)); err != nil {
					return err
				}
			}
			if fromStdin {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				scanner.Buffer(make([]byte, 64<<10), appender.MaxPayloadLength())
				for scanner.Scan() {
					if err := appendOne(scanner.Bytes()); err != nil {
						return err
					}
				}
				if err := scanner.Err(); err != nil {
					return err
				}
			}
			return appender.Sync()
		},
	}
	cmd.Flags().Bool("stdin", false, "Read payloads from stdin, one per line")
	return cmd
}

// newTailCommand constructs the `tail` command.
func newTailCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print entries from a position onwards, optionally following new ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, _ := cmd.Flags().GetString("from")
			limit, _ := cmd.Flags().GetInt("limit")
			follow, _ := cmd.Flags().GetBool("follow")
			interval, _ := cmd.Flags().GetDuration("interval")
			asJSON, _ := cmd.Flags().GetBool("json")

			start, err := parseIndex(from)
			if err != nil {
				return err
			}
			q, done, err := opts.openQueue(false)
			if err != nil {
				return err
			}
			defer done()
			poller, err := q.CreatePoller()
			if err != nil {
				return err
			}
			if err := poller.SeekTo(start); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var writeErr error
			handler := func(index int64, payload []byte) mmq.Move {
				writeErr = writeEntry(out, asJSON, index, payload)
				return mmq.Advance
			}

			ctx := cmd.Context()
			for printed := 0; limit == 0 || printed < limit; {
				ok, err := poller.Poll(handler)
				if err != nil {
					return err
				}
				if writeErr != nil {
					return writeErr
				}
				if ok {
					printed++
					continue
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
			return nil
		},
	}
	cmd.Flags().String("from", "first", "Start position: first|last|end or an index")
	cmd.Flags().Int("limit", 0, "Stop after N entries (0 = no limit)")
	cmd.Flags().BoolP("follow", "f", false, "Keep polling for new entries")
	cmd.Flags().Duration("interval", 50*time.Millisecond, "Idle poll interval when following")
	cmd.Flags().Bool("json", false, "Print entries as JSON lines")
	return cmd
}

// newReadCommand constructs the `read` command.
func newReadCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read INDEX",
		Short: "Print the entry at an index (first|last or a number)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			q, done, err := opts.openQueue(false)
			if err != nil {
				return err
			}
			defer done()
			reader, err := q.CreateReader()
			if err != nil {
				return err
			}
			ctx, err := reader.Reading(index)
			if err != nil {
				return err
			}
			defer ctx.Close()
			if !ctx.HasEntry() {
				return fmt.Errorf("no entry at %s", args[0])
			}
			return writeEntry(cmd.OutOrStdout(), asJSON, ctx.Index(), ctx.Buffer())
		},
	}
	cmd.Flags().Bool("json", false, "Print the entry as JSON")
	return cmd
}

// newLastCommand constructs the `last` command.
func newLastCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Print the last written index (-1 for an empty queue)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, done, err := opts.openQueue(false)
			if err != nil {
				return err
			}
			defer done()
			last, err := q.LastIndex()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), last)
			return err
		},
	}
}

// newStatsCommand constructs the `stats` command.
func newStatsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue metrics and appender id usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString("format")
			q, done, err := opts.openQueue(false)
			if err != nil {
				return err
			}
			defer done()

			stats := q.Stats()
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer enc.Close()
				return enc.Encode(stats)
			}
			return fmt.Errorf("unknown format %q: expected json|yaml", format)
		},
	}
	cmd.Flags().String("format", "json", "Output format: json|yaml")
	return cmd
}
