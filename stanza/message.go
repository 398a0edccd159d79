package stanza

import (
	"fmt"

	"github.com/antchfx/xmlquery"
)

// Kind is a control channel message kind
type Kind int

const (
	// KindInvalid is the zero Kind
	KindInvalid Kind = iota
	// KindStreamOpen is the initiator's stream header
	KindStreamOpen
	// KindStreamOpenConfirm is the responder's stream header. It carries
	// the stream id assigned by the responder.
	KindStreamOpenConfirm
	// KindStreamClose is the </stream:stream> end tag
	KindStreamClose
	// KindKeepalive is liveness filler
	KindKeepalive
	// KindIQ is an <iq> stanza
	KindIQ
	// KindMessage is a <message> stanza
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindStreamOpen:
		return "stream-open"
	case KindStreamOpenConfirm:
		return "stream-open-confirm"
	case KindStreamClose:
		return "stream-close"
	case KindKeepalive:
		return "keepalive"
	case KindIQ:
		return "iq"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsStanza returns true for application stanzas
func (k Kind) IsStanza() bool { return k == KindIQ || k == KindMessage }

// IsOpen returns true for either stream header
func (k Kind) IsOpen() bool { return k == KindStreamOpen || k == KindStreamOpenConfirm }

// PubSub actions carried by an iq stanza
const (
	ActionPublish     = "publish"
	ActionCollection  = "collection"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionRetract     = "retract"
)

// Message is a decoded control channel message.
//
// Stanza payloads are not interpreted beyond the pubsub envelope; the
// element tree is passed through to receivers as Payload.
type Message struct {
	Kind Kind
	From string
	To   string
	// ID is the stanza id attribute, or the stream id of an open confirm
	ID string
	// Type is the stanza type attribute (set, get, result, chat...)
	Type string

	// Action is the pubsub operation of an iq stanza, if any
	Action string
	// Node is the pubsub node the action applies to
	Node string
	// AsNode is the node a collection associated or dissociated. After a
	// collection is merged into its publish, AsNode holds the node the
	// publish originally named.
	AsNode string
	// Associate is true for an association, false for a dissociation
	Associate bool

	// Payload is the stanza's root element. It is nil for stream
	// headers and keepalives.
	Payload *xmlquery.Node
	// Text is the framed text the message was decoded from
	Text string
}

// PayloadXML returns the XML of the stanza's child elements
func (m *Message) PayloadXML() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.OutputXML(false)
}

func (m *Message) String() string {
	s := fmt.Sprintf("%s from:%q to:%q", m.Kind, m.From, m.To)
	if m.ID != "" {
		s += " id:" + m.ID
	}
	if m.Action != "" {
		s += fmt.Sprintf(" %s:%s", m.Action, m.Node)
	}
	return s
}

// Open returns a stream open message
func Open(from, to string) *Message { return &Message{Kind: KindStreamOpen, From: from, To: to} }

// OpenConfirm returns a stream open confirm message
func OpenConfirm(from, to, id string) *Message {
	return &Message{Kind: KindStreamOpenConfirm, From: from, To: to, ID: id}
}
