// Package ebxml implements the ebXML 2.0 message envelope used by Spine.
//
// The codec is framing only: it maps between a structured [Envelope] and the
// multipart/related wire form (an ebXML SOAP header part followed by payload
// and attachment parts), and parses inbound messages, acknowledgments and
// ebXML faults. It carries no delivery logic.
//
// The wire contract is strict about boolean flag elements:
// eb:DuplicateElimination, eb:AckRequested and eb:SyncReply are omitted
// entirely when the corresponding flag is false, never rendered empty.
package ebxml
