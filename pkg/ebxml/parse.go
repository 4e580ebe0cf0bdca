package ebxml

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/nhsconnect/go-mhs/pkg/mime"
)

// Message is a parsed inbound ebXML message.
type Message struct {
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

	// ErrorList is non-nil when the message is an ebXML fault.
	ErrorList []FaultError

	// Acknowledgment is true when the message is a standalone ack signal.
	Acknowledgment bool

	Payload     string
	Attachments []Attachment
}

// Parse splits an inbound message into the ebXML header fields and the
// payload/attachment parts. The ebXML header is part 0 by convention.
// Signal messages (acknowledgements and faults) arrive as a bare text/xml
// document with no MIME framing.
func Parse(headers map[string]string, raw []byte) (*Message, error) {
	contentType := headers["Content-Type"]
	if contentType == "" {
		contentType = headers["content-type"]
	}

	if !strings.HasPrefix(strings.TrimSpace(contentType), "multipart/") {
		return parseHeader(raw)
	}

	mimeMsg, err := mime.Parse(bytes.NewReader(raw), contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	headerPart := mimeMsg.HeaderPart()
	msg, err := parseHeader(headerPart.Data)
	if err != nil {
		return nil, err
	}

	attachmentParts := mimeMsg.AttachmentParts()
	if len(attachmentParts) > 0 {
		msg.Payload = string(attachmentParts[0].Data)
		for _, part := range attachmentParts[1:] {
			msg.Attachments = append(msg.Attachments, Attachment{
				ContentID:   mime.GetContentIDWithoutBrackets(part.ContentID),
				ContentType: part.ContentType,
				Base64:      part.IsBase64(),
				Payload:     string(part.Data),
			})
		}
	}

	return msg, nil
}

// parseHeader extracts the named field set from the ebXML header document.
func parseHeader(doc []byte) (*Message, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(doc); err != nil {
		return nil, fmt.Errorf("%w: reading header XML: %v", ErrParse, err)
	}

	root := tree.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty header document", ErrParse)
	}

	header := findElement(root, "Header")
	if header == nil {
		return nil, fmt.Errorf("%w: missing SOAP Header", ErrParse)
	}

	msgHeader := findElement(header, "MessageHeader")
	if msgHeader == nil {
		return nil, fmt.Errorf("%w: missing eb:MessageHeader", ErrParse)
	}

	msg := &Message{}

	var err error
	if msg.FromPartyID, err = requiredPath(msgHeader, "From", "PartyId"); err != nil {
		return nil, err
	}
	if msg.ToPartyID, err = requiredPath(msgHeader, "To", "PartyId"); err != nil {
		return nil, err
	}
	if msg.CPAID, err = requiredPath(msgHeader, "CPAId"); err != nil {
		return nil, err
	}
	if msg.ConversationID, err = requiredPath(msgHeader, "ConversationId"); err != nil {
		return nil, err
	}
	if msg.Service, err = requiredPath(msgHeader, "Service"); err != nil {
		return nil, err
	}
	if msg.Action, err = requiredPath(msgHeader, "Action"); err != nil {
		return nil, err
	}
	if msg.MessageID, err = requiredPath(msgHeader, "MessageData", "MessageId"); err != nil {
		return nil, err
	}
	if msg.Timestamp, err = requiredPath(msgHeader, "MessageData", "Timestamp"); err != nil {
		return nil, err
	}

	if ref := findPath(msgHeader, "MessageData", "RefToMessageId"); ref != nil {
		msg.RefToMessageID = ref.Text()
	}
	msg.DuplicateElimination = findElement(msgHeader, "DuplicateElimination") != nil

	if ack := findElement(header, "AckRequested"); ack != nil {
		msg.AckRequested = true
		actor := attrValue(ack, "actor")
		if actor == "" {
			return nil, fmt.Errorf("%w: AckRequested element missing SOAP actor attribute", ErrParse)
		}
		msg.AckSOAPActor = actor
	}
	msg.SyncReply = findElement(header, "SyncReply") != nil
	msg.Acknowledgment = findElement(header, "Acknowledgment") != nil

	if errorList := findElement(header, "ErrorList"); errorList != nil {
		msg.ErrorList = parseErrorList(errorList)
	}

	return msg, nil
}

// findElement finds a direct child by local name, ignoring prefixes.
func findElement(parent *etree.Element, local string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == local {
			return child
		}
	}
	return nil
}

// findPath walks a chain of child elements by local name.
func findPath(parent *etree.Element, locals ...string) *etree.Element {
	el := parent
	for _, local := range locals {
		el = findElement(el, local)
		if el == nil {
			return nil
		}
	}
	return el
}

// requiredPath walks the path and returns the element text, failing when the
// element is absent or empty.
func requiredPath(parent *etree.Element, locals ...string) (string, error) {
	el := findPath(parent, locals...)
	if el == nil || el.Text() == "" {
		return "", fmt.Errorf("%w: missing required element %v", ErrParse, locals)
	}
	return el.Text(), nil
}

// attrValue returns an attribute value by local key, ignoring namespace
// prefixes.
func attrValue(el *etree.Element, key string) string {
	for _, attr := range el.Attr {
		if attr.Key == key {
			return attr.Value
		}
	}
	return ""
}
