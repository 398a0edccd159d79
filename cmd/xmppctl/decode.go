package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/andaru/xmpp/framing"
	"github.com/andaru/xmpp/stanza"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type decodeOptions struct {
	maxMessageSize int
	payload        bool
}

func newDecodeCmd() *cobra.Command {
	opts := decodeOptions{}
	cmd := &cobra.Command{
		Use:   "decode [file...]",
		Short: "Decode captured control channel streams",
		Long: `Decode splits each captured stream (or standard input) into
messages and prints one line per decoded message. Publish stanzas are
merged with the collection stanza that follows them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return decodeStream(cmd.OutOrStdout(), cmd.InOrStdin(), "-", &opts)
			}
			var err error
			for _, name := range args {
				err = multierr.Append(err, decodeFile(cmd.OutOrStdout(), name, &opts))
			}
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.maxMessageSize, "max-message-size", 4<<20, "largest message accepted, in bytes")
	f.BoolVar(&opts.payload, "payload", false, "print the XML of each stanza")
	return cmd
}

func decodeFile(w io.Writer, name string, opts *decodeOptions) error {
	f, err := os.Open(name)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return decodeStream(w, f, name, opts)
}

// decodeStream prints the messages of r. Messages that fail to decode
// are reported and skipped; a stream that cannot be framed ends with
// an error.
func decodeStream(w io.Writer, r io.Reader, name string, opts *decodeOptions) error {
	var (
		keepalives int
		messages   int
		failed     int
		d          stanza.Decoder
	)
	d.OnDiscard = func(_ *stanza.Message, err error) {
		failed++
		fmt.Fprintf(w, "%s: %v\n", name, err)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), opts.maxMessageSize)
	sc.Split(framing.SplitStanza(func() { keepalives++ }))
	for sc.Scan() {
		m, err := d.Decode(sc.Text())
		switch {
		case err != nil:
			failed++
			fmt.Fprintf(w, "%s: %v\n", name, err)
		case m != nil:
			messages++
			fmt.Fprintf(w, "%s: %s\n", name, m)
			if opts.payload && m.Kind.IsStanza() {
				fmt.Fprintf(w, "\t%s\n", m.PayloadXML())
			}
		}
	}
	fmt.Fprintf(w, "%s: %d messages, %d keepalives, %d failed\n", name, messages, keepalives, failed)
	if d.Pending() {
		fmt.Fprintf(w, "%s: publish without collection at end of stream\n", name)
	}
	return errors.Wrap(sc.Err(), name)
}
