package ebxml

import (
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/nhsconnect/go-mhs/pkg/mime"
)

// Namespace constants for ebXML 2.0 over SOAP 1.1
const (
	NsSOAP  = "http://schemas.xmlsoap.org/soap/envelope/"
	NsEb    = "http://www.oasis-open.org/committees/ebxml-msg/schema/msg-header-2_0.xsd"
	NsXlink = "http://www.w3.org/1999/xlink"

	// SOAPActorNext is the default actor for eb:SyncReply
	SOAPActorNext = "http://schemas.xmlsoap.org/soap/actor/next"

	// PartyIDType is the identifier scheme Spine uses for party ids
	PartyIDType = "urn:nhs:names:partyType:ocs+serviceInstance"
)

// ErrParse is wrapped by all envelope parsing failures.
var ErrParse = errors.New("ebxml: malformed message")

// Attachment is one additional MIME part carried alongside the HL7 payload.
type Attachment struct {
	ContentID   string
	ContentType string
	Base64      bool
	Description string
	Payload     string
}

// Envelope holds the fields of an outbound ebXML message. It is ephemeral:
// built per send, serialized once, never persisted.
type Envelope struct {
	FromPartyID    string
	ToPartyID      string
	CPAID          string
	ConversationID string
	Service        string
	Action         string
	MessageID      string
	Timestamp      string
	RefToMessageID string

	DuplicateElimination bool
	AckRequested         bool
	AckSOAPActor         string
	SyncReply            bool

	Payload     string
	Attachments []Attachment
}

// Serialize renders the envelope to wire form: the generated message id, the
// HTTP headers to send with it, and the multipart body. MessageID is
// generated if absent; Timestamp is always regenerated. The serialized bytes
// are what retries must resend unchanged.
func (e *Envelope) Serialize() (string, map[string]string, []byte, error) {
	if e.MessageID == "" {
		e.MessageID = uuid.New().String()
	}
	e.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05Z")

	if e.AckRequested && e.AckSOAPActor == "" {
		return "", nil, nil, fmt.Errorf("ack requested but no SOAP actor set")
	}

	payloadID := fmt.Sprintf("<%s@spine.nhs.uk>", uuid.New().String())
	for i := range e.Attachments {
		if e.Attachments[i].ContentID == "" {
			e.Attachments[i].ContentID = fmt.Sprintf("%s@spine.nhs.uk", uuid.New().String())
		}
	}

	headerDoc, err := e.renderHeader(payloadID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("rendering ebXML header: %w", err)
	}

	parts := make([]mime.Part, 0, len(e.Attachments)+1)
	parts = append(parts, mime.Part{
		ContentID:       payloadID,
		ContentType:     "application/xml; charset=UTF-8",
		ContentTransfer: "8bit",
		Data:            []byte(e.Payload),
	})
	for _, a := range e.Attachments {
		transfer := "8bit"
		if a.Base64 {
			transfer = "base64"
		}
		parts = append(parts, mime.Part{
			ContentID:       a.ContentID,
			ContentType:     a.ContentType,
			ContentTransfer: transfer,
			Data:            []byte(a.Payload),
		})
	}

	msg := mime.NewMessage(headerDoc, parts)
	body, contentType, err := msg.Serialize()
	if err != nil {
		return "", nil, nil, fmt.Errorf("serializing multipart body: %w", err)
	}

	headers := map[string]string{
		"Content-Type": contentType,
		"SOAPAction":   fmt.Sprintf("%s/%s", e.Service, e.Action),
	}

	return e.MessageID, headers, body, nil
}

// renderHeader builds the ebXML SOAP header document. Element order follows
// the msg-header-2_0.xsd sequence.
func (e *Envelope) renderHeader(payloadID string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", NsSOAP)
	env.CreateAttr("xmlns:eb", NsEb)
	env.CreateAttr("xmlns:xlink", NsXlink)

	header := env.CreateElement("soap:Header")

	msgHeader := header.CreateElement("eb:MessageHeader")
	msgHeader.CreateAttr("soap:mustUnderstand", "1")
	msgHeader.CreateAttr("eb:version", "2.0")

	from := msgHeader.CreateElement("eb:From")
	fromParty := from.CreateElement("eb:PartyId")
	fromParty.CreateAttr("eb:type", PartyIDType)
	fromParty.SetText(e.FromPartyID)

	to := msgHeader.CreateElement("eb:To")
	toParty := to.CreateElement("eb:PartyId")
	toParty.CreateAttr("eb:type", PartyIDType)
	toParty.SetText(e.ToPartyID)

	msgHeader.CreateElement("eb:CPAId").SetText(e.CPAID)
	msgHeader.CreateElement("eb:ConversationId").SetText(e.ConversationID)
	msgHeader.CreateElement("eb:Service").SetText(e.Service)
	msgHeader.CreateElement("eb:Action").SetText(e.Action)

	msgData := msgHeader.CreateElement("eb:MessageData")
	msgData.CreateElement("eb:MessageId").SetText(e.MessageID)
	msgData.CreateElement("eb:Timestamp").SetText(e.Timestamp)
	if e.RefToMessageID != "" {
		msgData.CreateElement("eb:RefToMessageId").SetText(e.RefToMessageID)
	}

	// Flag elements are present-or-absent, never empty-valued.
	if e.DuplicateElimination {
		msgHeader.CreateElement("eb:DuplicateElimination")
	}

	if e.AckRequested {
		ack := header.CreateElement("eb:AckRequested")
		ack.CreateAttr("soap:mustUnderstand", "1")
		ack.CreateAttr("eb:version", "2.0")
		ack.CreateAttr("soap:actor", e.AckSOAPActor)
		ack.CreateAttr("eb:signed", "false")
	}

	if e.SyncReply {
		sync := header.CreateElement("eb:SyncReply")
		sync.CreateAttr("soap:mustUnderstand", "1")
		sync.CreateAttr("eb:version", "2.0")
		sync.CreateAttr("soap:actor", SOAPActorNext)
	}

	body := env.CreateElement("soap:Body")
	manifest := body.CreateElement("eb:Manifest")
	manifest.CreateAttr("eb:version", "2.0")

	ref := manifest.CreateElement("eb:Reference")
	ref.CreateAttr("xlink:href", "cid:"+mime.GetContentIDWithoutBrackets(payloadID))
	desc := ref.CreateElement("eb:Description")
	desc.CreateAttr("xlink:lang", "en")
	desc.SetText("HL7 payload")

	for _, a := range e.Attachments {
		ref := manifest.CreateElement("eb:Reference")
		ref.CreateAttr("xlink:href", "cid:"+mime.GetContentIDWithoutBrackets(a.ContentID))
		if a.Description != "" {
			desc := ref.CreateElement("eb:Description")
			desc.CreateAttr("xlink:lang", "en")
			desc.SetText(a.Description)
		}
	}

	return doc.WriteToBytes()
}
