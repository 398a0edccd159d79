package framing

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Keepalive is the single filler code point (U+00A0) a peer sends
// between messages to signal liveness. The framer reports each
// occurrence as one Keepalive message, however the input is split.
const Keepalive = "\u00a0"

const (
	keepaliveLead  = 0xc2
	keepaliveTrail = 0xa0
)

// ErrMalformed reports input the framer cannot resynchronize on. The
// framer discards its buffer before returning it.
type ErrMalformed struct {
	Message string
	Offset  int
}

func (e ErrMalformed) Error() string {
	msg := "xmpp malformed stream"
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Offset < 1 {
		return msg
	}
	return fmt.Sprintf("%s at input offset %d", msg, e.Offset)
}

// Option is a Framer constructor option
type Option func(*Framer)

// WithMaxMessageSize bounds the bytes a single incomplete message may
// occupy. Zero means unbounded.
func WithMaxMessageSize(n int) Option { return func(f *Framer) { f.max = n } }

// Framer splits a byte stream into complete stanza texts.
//
// Feed may be called with arbitrarily fragmented input; a message
// whose start was seen in an earlier call is resumed where scanning
// left off. Framer is not safe for concurrent use.
type Framer struct {
	buf      []byte
	s        scanner
	max      int
	consumed int
}

// New returns a new Framer
func New(opts ...Option) *Framer {
	f := &Framer{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Feed appends b to the framer's buffer and returns every message
// completed by it, in stream order. Keepalive filler is returned as
// the Keepalive string. On error the messages completed before the
// offending input are still returned, and the buffer is discarded.
func (f *Framer) Feed(b []byte) (msgs []string, err error) {
	f.buf = append(f.buf, b...)
	for len(f.buf) > 0 {
		if !f.s.started {
			n, keepalives, more, ferr := skipFiller(f.buf)
			for ; keepalives > 0; keepalives-- {
				msgs = append(msgs, Keepalive)
			}
			if ferr != nil {
				return msgs, f.fail(ferr)
			}
			f.advance(n)
			if more || len(f.buf) == 0 {
				break
			}
		}
		n, more, serr := f.s.scan(f.buf)
		if serr != nil {
			return msgs, f.fail(serr)
		}
		if more {
			if f.max > 0 && len(f.buf) > f.max {
				return msgs, f.fail(ErrMalformed{Message: fmt.Sprintf("message exceeds %d bytes", f.max)})
			}
			break
		}
		msgs = append(msgs, string(f.buf[:n]))
		f.advance(n)
		f.s = scanner{}
	}
	return msgs, nil
}

// Pending returns true if the framer holds a partial message
func (f *Framer) Pending() bool { return len(f.buf) > 0 }

// Buffered returns the number of bytes held for the next message
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset discards any buffered input
func (f *Framer) Reset() {
	f.consumed += len(f.buf)
	f.buf = f.buf[:0]
	f.s = scanner{}
}

func (f *Framer) advance(n int) {
	if n == 0 {
		return
	}
	f.consumed += n
	f.buf = f.buf[:copy(f.buf, f.buf[n:])]
}

func (f *Framer) fail(err error) error {
	if em, ok := err.(ErrMalformed); ok {
		em.Offset += f.consumed
		err = em
	}
	f.Reset()
	return err
}

// skipFiller consumes whitespace and keepalive filler at a message
// boundary, counting the keepalives. more is true when b ends with a
// partial keepalive.
func skipFiller(b []byte) (n, keepalives int, more bool, err error) {
	for n < len(b) {
		switch c := b[n]; c {
		case ' ', '\t', '\r', '\n':
			n++
		case keepaliveLead:
			if n+1 == len(b) {
				return n, keepalives, true, nil
			}
			if b[n+1] != keepaliveTrail {
				return n, keepalives, false, ErrMalformed{Message: "invalid filler character", Offset: n}
			}
			keepalives++
			n += 2
		default:
			return n, keepalives, false, nil
		}
	}
	return n, keepalives, false, nil
}

// scanner tracks one message from its first '<' to the end of its
// root element. A stream header completes at the end of its start
// tag, and a stream close is a message of its own.
type scanner struct {
	started bool
	pos     int
	root    string
	depth   int
}

const (
	streamTag = "stream:stream"
)

// scan resumes scanning b, which must begin at a message boundary.
// It returns the message length once complete, or more if the
// message continues past the end of b.
func (s *scanner) scan(b []byte) (n int, more bool, err error) {
	if !s.started {
		if b[0] != '<' {
			return 0, false, ErrMalformed{Message: "character data outside of a stanza"}
		}
		s.started = true
	}
	for {
		lt := bytes.IndexByte(b[s.pos:], '<')
		if lt < 0 {
			if s.root == "" && len(bytes.TrimSpace(b[s.pos:])) > 0 {
				return 0, false, ErrMalformed{Message: "character data before root element", Offset: s.pos}
			}
			return 0, true, nil
		}
		start := s.pos + lt
		if s.root == "" && len(bytes.TrimSpace(b[s.pos:start])) > 0 {
			return 0, false, ErrMalformed{Message: "character data before root element", Offset: s.pos}
		}
		t, tmore, terr := scanTag(b[start:])
		if terr != nil {
			if em, ok := terr.(ErrMalformed); ok {
				em.Offset += start
				terr = em
			}
			return 0, false, terr
		}
		if tmore {
			s.pos = start
			return 0, true, nil
		}
		end := start + t.size
		s.pos = end
		switch t.kind {
		case tagStart:
			switch {
			case s.root == "":
				s.root = t.name
				if t.name == streamTag || t.empty {
					return end, false, nil
				}
				s.depth = 1
			case t.name == s.root && !t.empty:
				s.depth++
			}
		case tagEnd:
			switch {
			case s.root == "" && t.name == streamTag:
				return end, false, nil
			case s.root == "":
				return 0, false, ErrMalformed{Message: "unexpected end tag </" + t.name + ">", Offset: start}
			case t.name == s.root:
				if s.depth--; s.depth == 0 {
					return end, false, nil
				}
			}
		case tagDecl:
			if s.root == "" && start != 0 {
				return 0, false, ErrMalformed{Message: "misplaced XML declaration", Offset: start}
			}
		}
	}
}

type tagKind int

const (
	tagStart tagKind = iota
	tagEnd
	tagDecl    // <?...?>
	tagComment // <!--...-->
	tagCDATA   // <![CDATA[...]]>
)

type tag struct {
	kind  tagKind
	name  string
	empty bool
	size  int
}

var (
	openComment = []byte("<!--")
	openCDATA   = []byte("<![CDATA[")
)

// scanTag scans the markup at the start of b, which begins with '<'.
func scanTag(b []byte) (t tag, more bool, err error) {
	if len(b) < 2 {
		return t, true, nil
	}
	switch b[1] {
	case '?':
		i := bytes.Index(b[2:], []byte("?>"))
		if i < 0 {
			return t, true, nil
		}
		return tag{kind: tagDecl, size: i + 4}, false, nil
	case '!':
		for _, mk := range []struct {
			open, close []byte
			kind        tagKind
		}{
			{openComment, []byte("-->"), tagComment},
			{openCDATA, []byte("]]>"), tagCDATA},
		} {
			if len(b) < len(mk.open) && bytes.HasPrefix(mk.open, b) {
				return t, true, nil
			}
			if bytes.HasPrefix(b, mk.open) {
				i := bytes.Index(b[len(mk.open):], mk.close)
				if i < 0 {
					return t, true, nil
				}
				return tag{kind: mk.kind, size: len(mk.open) + i + len(mk.close)}, false, nil
			}
		}
		return t, false, ErrMalformed{Message: "unsupported markup declaration"}
	case '/':
		i := bytes.IndexByte(b, '>')
		if i < 0 {
			if bytes.IndexByte(b[2:], '<') >= 0 {
				return t, false, ErrMalformed{Message: "unterminated end tag"}
			}
			return t, true, nil
		}
		name := string(bytes.TrimSpace(b[2:i]))
		if !validName(name) {
			return t, false, ErrMalformed{Message: "invalid end tag name"}
		}
		return tag{kind: tagEnd, name: name, size: i + 1}, false, nil
	}
	var quote byte
	for i := 1; i < len(b); i++ {
		c := b[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '<':
			return t, false, ErrMalformed{Message: "unterminated start tag"}
		case '>':
			name := elementName(b[1:i])
			if !validName(name) {
				return t, false, ErrMalformed{Message: "invalid element name"}
			}
			return tag{kind: tagStart, name: name, empty: b[i-1] == '/', size: i + 1}, false, nil
		}
	}
	return t, true, nil
}

func elementName(b []byte) string {
	for i, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n', '/':
			return string(b[:i])
		}
	}
	return string(b)
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	switch c := name[0]; {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':', c >= 0x80:
		return true
	}
	return false
}

// SplitStanza returns a bufio.SplitFunc that tokenizes a captured
// stream into messages. Keepalive filler is not returned as a token;
// onKeepalive, if non-nil, is called once per keepalive instead.
func SplitStanza(onKeepalive func()) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		n, keepalives, more, err := skipFiller(data)
		for ; keepalives > 0 && onKeepalive != nil; keepalives-- {
			onKeepalive()
		}
		if err != nil {
			return 0, nil, err
		}
		if n > 0 {
			return n, nil, nil
		}
		if len(data) == 0 {
			return 0, nil, nil
		}
		if !more {
			var s scanner
			advance, more, err = s.scan(data)
			if err != nil || !more {
				return advance, data[:advance], err
			}
		}
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
}
