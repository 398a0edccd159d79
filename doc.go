/*
Package xmpp is a set of XMPP control channel libraries.

A control channel is a long lived XMPP stream between an agent (the
client role) and a controller (the server role), carrying pubsub
stanzas for a small set of application subsystems.

The framing package splits the byte stream into messages and the
stanza package decodes them into typed messages (and encodes the
stream header, keepalive and stanzas sent back). The channel package
dispatches stanzas to per-subsystem receivers.

The session package runs one state machine per connection and keeps
the server and client connection registries, deleting connections
through the lifetime package once no work may still reach them.
Transports (TCP, and an in-memory network for tests) live in the
transport package.

See cmd/xmppctl for a small operator tool built on these packages.
*/
package xmpp
