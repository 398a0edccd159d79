/*
Package transport provides the byte stream sessions carrying XMPP control
channels.

A Session is a duplex byte stream with asynchronous, callback driven
reads, a non-blocking Send, and a close notification. Sessions report
events to their Handler from transport goroutines; handlers must not
block.

Two implementations are provided: TCP, over net.Conn, and MemNetwork, an
in-process network used to run clients and servers against each other
without sockets.
*/
package transport
