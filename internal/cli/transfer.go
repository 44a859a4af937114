package cli

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/orbiterhq/mmq"
)

// Export streams are zstd-compressed. After the magic, each entry is a
// uvarint index, a uvarint length and the payload bytes.
var exportMagic = []byte("MMQX\x01")

var errBadExport = errors.New("not an mmq export stream")

// exportEntries writes entries [from, ...) of the reader to w and returns
// how many were written.
func exportEntries(w io.Writer, reader *mmq.Reader, from int64) (int, error) {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return 0, err
	}
	if _, err := enc.Write(exportMagic); err != nil {
		enc.Close()
		return 0, err
	}

	it := reader.ReadingFrom(from)
	defer it.Close()
	var (
		count int
		head  [2 * binary.MaxVarintLen64]byte
	)
	for it.Next() {
		n := binary.PutUvarint(head[:], uint64(it.Index()))
		n += binary.PutUvarint(head[n:], uint64(len(it.Buffer())))
		if _, err := enc.Write(head[:n]); err != nil {
			enc.Close()
			return count, err
		}
		if _, err := enc.Write(it.Buffer()); err != nil {
			enc.Close()
			return count, err
		}
		count++
	}
	if err := it.Err(); err != nil {
		enc.Close()
		return count, err
	}
	return count, enc.Close()
}

// importEntries appends every entry of an export stream. Indices are
// reassigned by the target queue.
func importEntries(r io.Reader, appender *mmq.Appender) (int, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	magic := make([]byte, len(exportMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != string(exportMagic) {
		return 0, errBadExport
	}

	var (
		count   int
		payload []byte
	)
	for {
		if _, err := binary.ReadUvarint(br); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("entry %d: %w", count, err)
		}
		length, err := binary.ReadUvarint(br)
		if err != nil {
			return count, fmt.Errorf("entry %d: %w", count, io.ErrUnexpectedEOF)
		}
		if length > uint64(appender.MaxPayloadLength()) {
			return count, fmt.Errorf("entry %d: length %d exceeds %d", count, length, appender.MaxPayloadLength())
		}
		if uint64(cap(payload)) < length {
			payload = make([]byte, length)
		}
		payload = payload[:length]
		if _, err := io.ReadFull(br, payload); err != nil {
			return count, fmt.Errorf("entry %d: %w", count, io.ErrUnexpectedEOF)
		}
		if _, err := appender.Append(payload); err != nil {
			return count, err
		}
		count++
	}
}

// newExportCommand constructs the `export` command.
func newExportCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write entries to a zstd-compressed export file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			outPath, _ := cmd.Flags().GetString("out")
			from, _ := cmd.Flags().GetString("from")
			start, err := parseIndex(from)
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

			w := cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			count, err := exportEntries(w, reader, start)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries\n", count)
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "-", "Output file (- for stdout)")
	cmd.Flags().String("from", "first", "Start position: first|last or an index")
	return cmd
}

// newImportCommand constructs the `import` command.
func newImportCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Append the entries of an export file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			inPath, _ := cmd.Flags().GetString("in")

			r := cmd.InOrStdin()
			if inPath != "" && inPath != "-" {
				f, err := os.Open(inPath)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
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
			count, err := importEntries(r, appender)
			if err != nil {
				return err
			}
			if err := appender.Sync(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "imported %d entries\n", count)
			return nil
		},
	}
	cmd.Flags().StringP("in", "i", "-", "Input file (- for stdin)")
	return cmd
}
