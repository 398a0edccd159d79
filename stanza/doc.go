// Package stanza encodes and decodes XMPP control channel messages.
package stanza
