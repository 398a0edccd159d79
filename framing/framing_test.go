package framing

import (
	"bufio"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	streamOpen  = `<?xml version="1.0"?><stream:stream from="agent-1" to="network-control@contrailsystems.com" version="1.0" xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams">`
	streamClose = `</stream:stream>`
	iqPublish   = `<iq type="set" from="agent-1" to="network-control@contrailsystems.com/bgp-peer" id="pubsub1"><pubsub xmlns="http://jabber.org/protocol/pubsub"><publish node="vrf-a"><item><entry attr="a>b"/></item></publish></pubsub></iq>`
	iqNested    = `<iq id="outer"><x><iq id="inner"><y/></iq></x></iq>`
	msgEmpty    = `<message to="agent-1"/>`
	withComment = `<iq><!-- </iq> --><![CDATA[</iq>]]></iq>`
)

func TestFeed(t *testing.T) {
	for _, tc := range []struct {
		name    string
		input   string
		want    []string
		pending bool
		wantErr string
	}{
		{name: "empty", input: ""},
		{name: "whitespace only", input: " \r\n\t  "},
		{name: "keepalive", input: Keepalive, want: []string{Keepalive}},
		{name: "keepalive run", input: Keepalive + " " + Keepalive + Keepalive + "\n", want: []string{Keepalive, Keepalive, Keepalive}},
		{name: "stream open", input: streamOpen, want: []string{streamOpen}},
		{name: "stream open and close", input: streamOpen + "\n" + streamClose, want: []string{streamOpen, streamClose}},
		{name: "stanza", input: iqPublish, want: []string{iqPublish}},
		{name: "back to back", input: "<iq> a </iq><iq> b </iq>", want: []string{"<iq> a </iq>", "<iq> b </iq>"}},
		{name: "nested same name", input: iqNested, want: []string{iqNested}},
		{name: "self closing", input: msgEmpty + iqNested, want: []string{msgEmpty, iqNested}},
		{name: "comment and cdata", input: withComment, want: []string{withComment}},
		{name: "keepalive between", input: "<iq/>" + Keepalive + "<iq/>", want: []string{"<iq/>", Keepalive, "<iq/>"}},
		{name: "partial", input: "<iq><a>", pending: true},
		{name: "partial keepalive", input: "<iq/>" + Keepalive[:1], want: []string{"<iq/>"}, pending: true},
		{name: "garbage", input: "hello", wantErr: "xmpp malformed stream: character data outside of a stanza"},
		{name: "garbage after stanza", input: "<iq/>junk<iq/>", want: []string{"<iq/>"}, wantErr: "xmpp malformed stream: character data outside of a stanza at input offset 5"},
		{name: "stray end tag", input: "</iq>", wantErr: "xmpp malformed stream: unexpected end tag </iq>"},
		{name: "bad filler", input: "\xc2\x41", wantErr: "xmpp malformed stream: invalid filler character"},
		{name: "keepalive before bad filler", input: Keepalive + "\xc2\x41", want: []string{Keepalive}, wantErr: "xmpp malformed stream: invalid filler character at input offset 2"},
		{name: "bad name", input: "<1iq/>", wantErr: "xmpp malformed stream: invalid element name"},
		{name: "doctype", input: "<!DOCTYPE x>", wantErr: "xmpp malformed stream: unsupported markup declaration"},
		{name: "late declaration", input: "<iq/> <?xml version='1.0'?>", want: []string{"<iq/>"}, pending: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := assert.New(t)
			f := New()
			got, err := f.Feed([]byte(tc.input))
			if tc.wantErr != "" {
				a.EqualError(err, tc.wantErr)
				a.False(f.Pending())
			} else {
				a.NoError(err)
				a.Equal(tc.pending, f.Pending())
			}
			a.Equal(tc.want, got)
		})
	}
}

// Every split of a well-formed stream must yield the same messages as
// the unsplit stream.
func TestFeedSplit(t *testing.T) {
	stream := streamOpen + "\n" + iqPublish + Keepalive + iqNested + msgEmpty + withComment + "  " + Keepalive + Keepalive + " " + Keepalive + streamClose
	want, err := New().Feed([]byte(stream))
	assert.NoError(t, err)
	assert.Equal(t, []string{streamOpen, iqPublish, Keepalive, iqNested, msgEmpty, withComment, Keepalive, Keepalive, Keepalive, streamClose}, want)

	for size := 1; size <= len(stream); size++ {
		t.Run(fmt.Sprintf("chunk/%d", size), func(t *testing.T) {
			a := assert.New(t)
			f := New()
			var got []string
			for off := 0; off < len(stream); off += size {
				end := off + size
				if end > len(stream) {
					end = len(stream)
				}
				msgs, err := f.Feed([]byte(stream[off:end]))
				a.NoError(err)
				got = append(got, msgs...)
			}
			a.Equal(want, got)
			a.False(f.Pending())
		})
	}
}

func TestFeedSplitKeepalives(t *testing.T) {
	stream := "<iq/>" + Keepalive + Keepalive + "<iq/>"
	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			t.Run(fmt.Sprintf("%d/%d", i, j), func(t *testing.T) {
				a := assert.New(t)
				f := New()
				var got []string
				for _, part := range []string{stream[:i], stream[i:j], stream[j:]} {
					msgs, err := f.Feed([]byte(part))
					a.NoError(err)
					got = append(got, msgs...)
				}
				a.Equal([]string{"<iq/>", Keepalive, Keepalive, "<iq/>"}, got)
				a.False(f.Pending())
			})
		}
	}
}

func TestFeedTwoWrites(t *testing.T) {
	a := assert.New(t)
	f := New()
	got, err := f.Feed([]byte("<iq> a </iq><i"))
	a.NoError(err)
	a.Equal([]string{"<iq> a </iq>"}, got)
	a.True(f.Pending())
	a.Equal(2, f.Buffered())

	got, err = f.Feed([]byte("q> b </iq>"))
	a.NoError(err)
	a.Equal([]string{"<iq> b </iq>"}, got)
	a.False(f.Pending())
}

func TestFeedResynchronizes(t *testing.T) {
	a := assert.New(t)
	f := New()
	_, err := f.Feed([]byte("<iq>ok</iq>garbage"))
	a.Error(err)
	a.False(f.Pending())

	got, err := f.Feed([]byte("<iq>next</iq>"))
	a.NoError(err)
	a.Equal([]string{"<iq>next</iq>"}, got)
}

func TestMaxMessageSize(t *testing.T) {
	a := assert.New(t)
	f := New(WithMaxMessageSize(16))
	_, err := f.Feed([]byte("<iq>" + strings.Repeat("x", 32)))
	a.EqualError(err, "xmpp malformed stream: message exceeds 16 bytes")
	a.False(f.Pending())

	got, err := f.Feed([]byte("<iq>small</iq>"))
	a.NoError(err)
	a.Equal([]string{"<iq>small</iq>"}, got)
}

func TestSplitStanza(t *testing.T) {
	for _, tc := range []struct {
		input  string
		want   []string
		hasErr bool
		wantKA int
	}{
		{},
		{input: streamOpen + iqPublish + streamClose, want: []string{streamOpen, iqPublish, streamClose}},
		{input: Keepalive + "<iq/>" + Keepalive + " " + Keepalive, want: []string{"<iq/>"}, wantKA: 3},
		{input: "<iq>", hasErr: true},
		{input: "<iq/>junk", want: []string{"<iq/>"}, hasErr: true},
	} {
		for bsize := 16; bsize < 65; bsize += 7 {
			t.Run(fmt.Sprintf("%q/%d", tc.input, bsize), func(t *testing.T) {
				a := assert.New(t)
				scanner := bufio.NewScanner(strings.NewReader(tc.input))
				scanner.Buffer(make([]byte, bsize), 1024)
				var gotKA int
				scanner.Split(SplitStanza(func() { gotKA++ }))
				var got []string
				for scanner.Scan() {
					got = append(got, scanner.Text())
				}
				serr := scanner.Err()
				a.True(serr == nil && !tc.hasErr || serr != nil && tc.hasErr, "want an error only if hasErr true, got %v (hasErr %v)", serr, tc.hasErr)
				a.Equal(tc.want, got)
				a.Equal(tc.wantKA, gotKA)
			})
		}
	}
}

func BenchmarkFeed(b *testing.B) {
	stream := []byte(strings.Repeat(iqPublish+Keepalive, 64))
	b.SetBytes(int64(len(stream)))
	for i := 0; i < b.N; i++ {
		f := New()
		if _, err := f.Feed(stream); err != nil {
			b.Fatal(err)
		}
	}
}
