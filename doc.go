/*
Package hublink contains the client side core of a persistent RPC channel to
a hub server, compatible with the signalr protocol family.
For a deeper understanding of the protocol see
https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md

# Basics

The hub protocol is a protocol for two-way RPC over any message based
transport. The client may invoke methods on the server with zero or more
results, pull item streams from the server and push item streams to the
server, and the server may call back into handlers the client registered.

# HubConnection

A HubConnection is created with NewHubConnection(), which gets the Transport
the connection runs over. After calling Start(), the connection is ready to
call server methods with Invoke, Send, PullStream and PushStreams and to
receive callbacks registered with On. Stop() closes the connection and Start
fails for every state but Disconnected.

# Reconnection

With the WithAutomaticReconnect option, a connection whose transport was lost
asks the given RetryPolicy how long to wait before each new attempt. While
reconnecting, OnReconnecting and OnReconnected observers fire. A transport
that supports stateful reconnect additionally resumes the same logical
session over a new underlying connection: invocation messages that were in
flight when the transport was lost are buffered and replayed, and messages
replayed by the server are deduplicated, so each side processes every
invocation message at most once and in order.

# Transports

The package ships a WebSocket transport (NewWebSocketTransport) and a
WebTransport based transport (NewWebTransport). Any implementation of the
Transport interface can be used instead.

# Transfer formats

The transfer format Text (JSON) is the default. Binary (MessagePack) is
selected with the WithTransferFormat option.
*/
package hublink
