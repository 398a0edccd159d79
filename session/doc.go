/*
Package session implements XMPP control channel sessions.

A Connection is one control channel between a controller (the Server
side) and an agent (the Client side). Each Connection is driven by a
StateMachine whose events, from timers, the transport session and
administrative calls, are handled one at a time in arrival order:

	Idle -> Active -> Connect -> OpenSent -> Established        (client)
	Idle -> Active -> [OpenConfirm ->] Established              (server)

Clients connect with exponential backoff, send a stream open, and are
established when the server's open confirm arrives. Servers answer a
stream open on an accepted session with an open confirm. Established
channels exchange keepalives; a channel hearing nothing for three
keepalive intervals is torn down, counting one flap.

Received stanzas are routed by the Connection's channel.Mux to the
receivers registered for their peer. Observers registered with
RegisterConnectionEvent on the Server or Client are told when a
Connection becomes READY or NOT_READY.

Connections are deleted through a lifetime.Manager: ManagedDelete
shuts the connection down and detaches it from its Server or Client,
and the connection is destroyed once no receivers remain registered.
*/
package session
