// Package mime implements multipart/related packaging for ebXML messages.
//
// An ebXML message on the wire is a multipart/related MIME envelope whose
// first part is the ebXML SOAP header document. The HL7 payload and any
// further attachments follow as additional parts, each addressed by a
// Content-ID referenced from the eb:Manifest in the header part.
package mime
