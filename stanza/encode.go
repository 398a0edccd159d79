package stanza

import (
	"bytes"
	"encoding/xml"

	"github.com/andaru/xmpp/framing"
	"github.com/andaru/xmpp/xmlutil"
	"github.com/pkg/errors"
)

const (
	streamCloseTag = "</stream:stream>"

	nsClient  = "jabber:client"
	nsStreams = "http://etherx.jabber.org/streams"
	nsPubSub  = "http://jabber.org/protocol/pubsub"
)

var streamNamespaces = xmlutil.PrefixMap{"": nsClient, "stream": nsStreams}

// Encode encodes m for the wire
func Encode(m *Message) ([]byte, error) {
	switch m.Kind {
	case KindStreamOpen:
		return EncodeOpen(m.From, m.To)
	case KindStreamOpenConfirm:
		return EncodeOpenConfirm(m.From, m.To, m.ID)
	case KindStreamClose:
		return EncodeClose(), nil
	case KindKeepalive:
		return EncodeKeepalive(), nil
	case KindIQ, KindMessage:
		return encodeStanza(m)
	}
	return nil, errors.Errorf("cannot encode %s message", m.Kind)
}

// EncodeOpen encodes the initiator's stream header
func EncodeOpen(from, to string) ([]byte, error) { return encodeHeader(from, to, "") }

// EncodeOpenConfirm encodes the responder's stream header with stream id id
func EncodeOpenConfirm(from, to, id string) ([]byte, error) {
	if id == "" {
		return nil, errors.New("open confirm requires a stream id")
	}
	return encodeHeader(from, to, id)
}

// EncodeClose encodes the stream close tag
func EncodeClose() []byte { return []byte(streamCloseTag) }

// EncodeKeepalive encodes keepalive filler
func EncodeKeepalive() []byte { return []byte(framing.Keepalive) }

func encodeHeader(from, to, id string) ([]byte, error) {
	var b bytes.Buffer
	xe := xml.NewEncoder(&b)
	attrs := []xml.Attr{xmlutil.Attr("from", from), xmlutil.Attr("to", to)}
	if id != "" {
		attrs = append(attrs, xmlutil.Attr("id", id))
	}
	attrs = append(attrs, xmlutil.Attr("version", "1.0"), xmlutil.Attr("xml:lang", "en"))
	attrs = append(attrs, streamNamespaces.Attr()...)

	err := xe.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0"`)})
	if err == nil {
		err = xe.EncodeToken(xml.StartElement{Name: xmlutil.QName("stream", "stream"), Attr: attrs})
	}
	if err == nil {
		err = xe.Flush()
	}
	return b.Bytes(), errors.WithStack(err)
}

func encodeStanza(m *Message) ([]byte, error) {
	var b bytes.Buffer
	xe := xml.NewEncoder(&b)
	se := xml.StartElement{Name: xmlutil.XMLName(m.Kind.String())}
	for _, a := range [][2]string{{"type", m.Type}, {"from", m.From}, {"to", m.To}, {"id", m.ID}} {
		if a[1] != "" {
			se.Attr = append(se.Attr, xmlutil.Attr(a[0], a[1]))
		}
	}
	err := xe.EncodeToken(se)
	switch {
	case err != nil:
	case m.Payload != nil:
		if err = xe.Flush(); err == nil {
			b.WriteString(m.Payload.OutputXML(false))
		}
	case m.Action != "":
		err = encodePubSub(xe, m)
	}
	if err == nil {
		err = xe.EncodeToken(se.End())
	}
	if err == nil {
		err = xe.Flush()
	}
	return b.Bytes(), errors.WithStack(err)
}

func encodePubSub(xe *xml.Encoder, m *Message) error {
	sePubSub := xml.StartElement{Name: xmlutil.XMLName("pubsub"), Attr: []xml.Attr{xmlutil.Attr("xmlns", nsPubSub)}}
	seAction := xml.StartElement{Name: xmlutil.XMLName(m.Action), Attr: []xml.Attr{xmlutil.Attr("node", m.Node)}}
	tokens := []xml.Token{sePubSub, seAction}
	if m.Action == ActionCollection && m.AsNode != "" {
		child := "dissociate"
		if m.Associate {
			child = "associate"
		}
		se := xml.StartElement{Name: xmlutil.XMLName(child), Attr: []xml.Attr{xmlutil.Attr("node", m.AsNode)}}
		tokens = append(tokens, se, se.End())
	}
	tokens = append(tokens, seAction.End(), sePubSub.End())
	for _, tok := range tokens {
		if err := xe.EncodeToken(tok); err != nil {
			return err
		}
	}
	return nil
}
