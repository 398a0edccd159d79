package stanza

import (
	"encoding/xml"
	"strings"

	"github.com/andaru/xmpp/framing"
	"github.com/andaru/xmpp/xmlutil"
	"github.com/andaru/xmpp/xmpperr"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/pkg/errors"
)

// Parse decodes one framed message.
//
// A stream header is recognized only when it begins the message text;
// a stream:stream root found anywhere else is rejected, and a
// stream:stream element nested inside a stanza is ordinary payload.
func Parse(text string) (*Message, error) {
	switch {
	case text == framing.Keepalive:
		return &Message{Kind: KindKeepalive, Text: text}, nil
	case strings.HasPrefix(text, streamCloseTag[:len(streamCloseTag)-1]):
		return &Message{Kind: KindStreamClose, Text: text}, nil
	}

	header := strings.HasPrefix(text, "<?xml") || strings.HasPrefix(text, "<stream:stream")
	if !header && strings.HasPrefix(strings.TrimLeft(text, " \t\r\n"), "<stream:stream") {
		return nil, xmpperr.OpenNotAtStart()
	}
	src := text
	if header && !strings.HasSuffix(strings.TrimSpace(text), "/>") {
		// the header's start tag is only closed by the end of the stream
		src += streamCloseTag
	}
	doc, err := xmlquery.Parse(strings.NewReader(src))
	if err != nil {
		return nil, xmpperr.MalformedMessage(xmpperr.WithCause(errors.WithStack(err)))
	}
	root := rootElement(doc)
	if root == nil {
		return nil, xmpperr.MalformedMessage(xmpperr.WithMessage("no root element"))
	}

	m := &Message{
		From: root.SelectAttr("from"),
		To:   root.SelectAttr("to"),
		ID:   root.SelectAttr("id"),
		Type: root.SelectAttr("type"),
		Text: text,
	}
	switch {
	case root.Data == "stream" && root.Prefix == "stream":
		if !header {
			return nil, xmpperr.OpenNotAtStart()
		}
		if ns := declaredPrefixes(root).Namespace(root.Prefix); ns != nsStreams {
			return nil, xmpperr.MalformedMessage(xmpperr.WithMessage("stream header in namespace " + ns))
		}
		m.Kind = KindStreamOpen
		if m.ID != "" {
			m.Kind = KindStreamOpenConfirm
		}
		return m, nil
	case header:
		return nil, xmpperr.MalformedMessage(xmpperr.WithMessage("expected stream header, got <" + root.Data + ">"))
	case root.Data == "iq":
		m.Kind = KindIQ
		m.Payload = root
		decodePubSub(doc, m)
	case root.Data == "message":
		m.Kind = KindMessage
		m.Payload = root
	default:
		return nil, xmpperr.UnknownElement(root.Data)
	}
	return m, nil
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

// declaredPrefixes returns the namespace declarations made on n
func declaredPrefixes(n *xmlquery.Node) xmlutil.PrefixMap {
	attrs := make([]xml.Attr, len(n.Attr))
	for i, a := range n.Attr {
		attrs[i] = xml.Attr{Name: a.Name, Value: a.Value}
	}
	return xmlutil.NewPrefixMap(attrs...)
}

func decodePubSub(doc *xmlquery.Node, m *Message) {
	for _, q := range []struct {
		action string
		expr   *xpath.Expr
	}{
		{ActionPublish, xpPublish},
		{ActionCollection, xpCollection},
		{ActionSubscribe, xpSubscribe},
		{ActionUnsubscribe, xpUnsubscribe},
		{ActionRetract, xpRetract},
	} {
		if n := xmlquery.QuerySelector(doc, q.expr); n != nil {
			m.Action = q.action
			m.Node = n.SelectAttr("node")
			break
		}
	}
	if m.Action != ActionCollection {
		return
	}
	if n := xmlquery.QuerySelector(doc, xpAssociate); n != nil {
		m.AsNode, m.Associate = n.SelectAttr("node"), true
	} else if n := xmlquery.QuerySelector(doc, xpDissociate); n != nil {
		m.AsNode = n.SelectAttr("node")
	}
}

// Decoder decodes messages from one stream.
//
// A publish iq is held until the next message. When that is the
// collection iq naming the publish's node, the two are returned as one
// merged message; otherwise the publish is discarded. Keepalives do
// not separate the two. Decoder is not safe for concurrent use.
type Decoder struct {
	// OnDiscard, if not nil, is called with each held publish that is
	// dropped, and the reason.
	OnDiscard func(pub *Message, err error)

	last *Message
}

// Decode decodes text. It returns a nil message without error when
// text is a publish awaiting its collection.
func (d *Decoder) Decode(text string) (*Message, error) {
	m, err := Parse(text)
	if err != nil {
		d.discard()
		return nil, err
	}
	switch {
	case m.Kind == KindKeepalive:
		return m, nil
	case m.Kind == KindIQ && m.Action == ActionCollection:
		return d.merge(m)
	}
	d.discard()
	if m.Kind == KindIQ && m.Action == ActionPublish {
		d.last = m
		return nil, nil
	}
	return m, nil
}

func (d *Decoder) discard() {
	pub := d.last
	if pub == nil {
		return
	}
	d.last = nil
	if d.OnDiscard != nil {
		d.OnDiscard(pub, xmpperr.UnmatchedPublish(xmpperr.WithMessage("publish for node "+pub.Node+" not followed by its collection")))
	}
}

func (d *Decoder) merge(coll *Message) (*Message, error) {
	pub := d.last
	d.last = nil
	switch {
	case pub == nil:
		return nil, xmpperr.UnmatchedCollection(xmpperr.WithMessage("no preceding publish for node " + coll.AsNode))
	case pub.Node != coll.AsNode:
		return nil, xmpperr.UnmatchedCollection(xmpperr.WithMessage("collection names " + coll.AsNode + " but publish was for " + pub.Node))
	}
	pub.AsNode, pub.Node, pub.Associate = pub.Node, coll.Node, coll.Associate
	if pub.Payload != nil {
		if n := xmlquery.QuerySelector(pub.Payload.Parent, xpPublish); n != nil {
			setAttr(n, "node", coll.Node)
		}
	}
	return pub, nil
}

// Pending returns true if a publish is awaiting its collection
func (d *Decoder) Pending() bool { return d.last != nil }

// Reset drops any publish awaiting its collection without reporting it
func (d *Decoder) Reset() { d.last = nil }

func setAttr(n *xmlquery.Node, name, value string) {
	for i := range n.Attr {
		if n.Attr[i].Name.Local == name && n.Attr[i].Name.Space == "" {
			n.Attr[i].Value = value
		}
	}
}

var (
	xpPublish     = xpath.MustCompile(`/iq/pubsub/publish`)
	xpCollection  = xpath.MustCompile(`/iq/pubsub/collection`)
	xpSubscribe   = xpath.MustCompile(`/iq/pubsub/subscribe`)
	xpUnsubscribe = xpath.MustCompile(`/iq/pubsub/unsubscribe`)
	xpRetract     = xpath.MustCompile(`/iq/pubsub/retract`)
	xpAssociate   = xpath.MustCompile(`/iq/pubsub/collection/associate`)
	xpDissociate  = xpath.MustCompile(`/iq/pubsub/collection/dissociate`)
)
