/*
Package framing splits an XMPP control channel byte stream into messages.

A message is a stream header (an optional XML declaration followed by the
<stream:stream> start tag), a stream close tag, a complete stanza element,
or a keepalive
(one U+00A0 filler character). Framer is the push-style tokenizer used on
live sessions; SplitStanza returns a bufio.SplitFunc for reading captured
streams with a *bufio.Scanner.

Input the framer cannot resynchronize on is reported as ErrMalformed, after
which the framer waits for the next message boundary.
*/
package framing
