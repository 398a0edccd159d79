package xmlutil

import (
	"encoding/xml"
	"strings"
)

// XMLName is a shortcut for creating xml.Name, where typically you want at least
// a local name, and perhaps a namespace value as well.
func XMLName(local string, spaces ...string) xml.Name {
	n := xml.Name{Local: local}
	if len(spaces) > 0 {
		n.Space = spaces[0]
	}
	return n
}

// QName returns a name written verbatim as prefix:local by xml.Encoder.
//
// encoding/xml rewrites namespaced names with generated prefixes, which
// the stream header cannot tolerate, so prefixed names are carried
// entirely in the Local field.
func QName(prefix, local string) xml.Name {
	if prefix == "" {
		return xml.Name{Local: local}
	}
	return xml.Name{Local: prefix + ":" + local}
}

// SplitQName splits a verbatim prefixed name into its prefix and local part
func SplitQName(n xml.Name) (prefix, local string) {
	if i := strings.IndexByte(n.Local, ':'); i > 0 {
		return n.Local[:i], n.Local[i+1:]
	}
	return n.Space, n.Local
}

// Attr returns an attribute with a verbatim name
func Attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}
