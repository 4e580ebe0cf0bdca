/*
Package mhs implements a store-and-forward Message Handling Service for the
NHS Spine, exchanging HL7 clinical messages over ebXML 2.0 and synchronous
SOAP web services.

# Overview

go-mhs sits between a supplier clinical system and the Spine national
infrastructure. Outbound, it wraps HL7 payloads in the envelope the invoked
service requires, transmits them with the reliability contract published for
that service, and tracks each message through an explicit state machine.
Inbound, it correlates asynchronous responses back to the originating
request and hands them to a durable queue for the supplier to consume.

# Messaging Patterns

Five Spine workflow patterns are supported:

  - sync: a single synchronous SOAP request-response exchange
  - async-express: unacknowledged asynchronous messaging
  - async-reliable: acknowledged asynchronous messaging with retransmission
  - forward-reliable: reliable delivery via the Spine store-and-forward
    intermediary, including unsolicited inbound messages
  - sync-async: an asynchronous exchange presented synchronously to the
    caller by blocking until the async response arrives

# Package Structure

	github.com/nhsconnect/go-mhs/pkg/ebxml      - ebXML 2.0 envelope codec
	github.com/nhsconnect/go-mhs/pkg/soap       - synchronous SOAP codec
	github.com/nhsconnect/go-mhs/pkg/mime       - MIME multipart/related framing
	github.com/nhsconnect/go-mhs/pkg/routing    - endpoint and reliability resolution
	github.com/nhsconnect/go-mhs/pkg/transport  - HTTPS transmission with transient retry
	github.com/nhsconnect/go-mhs/internal/store - versioned work description persistence
	github.com/nhsconnect/go-mhs/internal/workflow - per-pattern delivery state machines
	github.com/nhsconnect/go-mhs/internal/inbound  - inbound correlation and acknowledgement
	github.com/nhsconnect/go-mhs/internal/queue    - downstream AMQP hand-off
	github.com/nhsconnect/go-mhs/cmd/mhs           - the MHS server binary

# Specifications

The wire formats follow the ebXML Message Service Specification v2.0
(http://www.oasis-open.org/committees/ebxml-msg/schema/msg-header-2_0.xsd)
and the Spine External Interface Specification's tailoring of it.
*/
package mhs
