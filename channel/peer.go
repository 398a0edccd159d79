package channel

import (
	"strings"

	"github.com/pkg/errors"
)

// PeerID identifies the logical peer a stanza is addressed to
type PeerID int

const (
	// PeerBGP is the routing protocol peer
	PeerBGP PeerID = iota
	// PeerConfig is the configuration peer
	PeerConfig
	// PeerDNS is the name service peer
	PeerDNS
	// PeerOther receives stanzas matching no other peer
	PeerOther
)

var peerNames = [...]string{"bgp", "config", "dns", "other"}

func (p PeerID) String() string {
	if p < 0 || int(p) >= len(peerNames) {
		return "unknown"
	}
	return peerNames[p]
}

// ParsePeerID returns the PeerID named s
func ParsePeerID(s string) (PeerID, error) {
	for i, name := range peerNames {
		if strings.EqualFold(s, name) {
			return PeerID(i), nil
		}
	}
	return PeerOther, errors.Errorf("unknown peer %q", s)
}

// PeerEntry maps a keyword of a stanza's to field to a peer
type PeerEntry struct {
	Keyword string
	ID      PeerID
}

// PeerTable resolves a stanza's to field to a PeerID. Entries are
// tried in order; the first whose keyword is a substring of the field
// wins.
type PeerTable []PeerEntry

// DefaultPeerTable returns the table used when none is configured
func DefaultPeerTable() PeerTable {
	return PeerTable{
		{Keyword: "bgp", ID: PeerBGP},
		{Keyword: "config", ID: PeerConfig},
		{Keyword: "dns", ID: PeerDNS},
	}
}

// Lookup returns the peer for to, or PeerOther if no keyword matches
func (t PeerTable) Lookup(to string) PeerID {
	for _, e := range t {
		if e.Keyword != "" && strings.Contains(to, e.Keyword) {
			return e.ID
		}
	}
	return PeerOther
}

// Verify checks the table for empty keywords and unknown peers
func (t PeerTable) Verify() error {
	for _, e := range t {
		if e.Keyword == "" {
			return errors.New("peer table keyword must not be empty")
		}
		if e.ID < PeerBGP || e.ID > PeerOther {
			return errors.Errorf("peer table keyword %q maps to unknown peer %d", e.Keyword, e.ID)
		}
	}
	return nil
}
