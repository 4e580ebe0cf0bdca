// Package soap implements the single-part SOAP framing used by the
// synchronous messaging pattern, and parses the SOAP faults Spine returns in
// place of a success response.
package soap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// Namespace constants
const (
	NsSOAP = "http://schemas.xmlsoap.org/soap/envelope/"
	NsWSA  = "http://schemas.xmlsoap.org/ws/2004/08/addressing"
)

// ErrParse is wrapped by all SOAP parsing failures.
var ErrParse = errors.New("soap: malformed message")

// Envelope holds the fields of a synchronous SOAP request or response.
type Envelope struct {
	FromASID  string
	ToASID    string
	MessageID string
	Service   string
	Action    string
	// Message is the HL7 document carried in the SOAP body.
	Message string
}

// Serialize renders the envelope to wire form: generated message id, HTTP
// headers and the single-part body. MessageID is generated if absent.
func (e *Envelope) Serialize() (string, map[string]string, []byte, error) {
	if e.MessageID == "" {
		e.MessageID = uuid.New().String()
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("SOAP-ENV:Envelope")
	env.CreateAttr("xmlns:SOAP-ENV", NsSOAP)
	env.CreateAttr("xmlns:wsa", NsWSA)

	header := env.CreateElement("SOAP-ENV:Header")
	header.CreateElement("wsa:MessageID").SetText("uuid:" + e.MessageID)
	header.CreateElement("wsa:Action").SetText(fmt.Sprintf("%s/%s", e.Service, e.Action))
	from := header.CreateElement("wsa:From")
	from.CreateElement("wsa:Address").SetText(e.FromASID)
	header.CreateElement("wsa:To").SetText(e.ToASID)

	body := env.CreateElement("SOAP-ENV:Body")

	payload := etree.NewDocument()
	if err := payload.ReadFromString(e.Message); err != nil || payload.Root() == nil {
		return "", nil, nil, fmt.Errorf("%w: payload is not well-formed XML", ErrParse)
	}
	body.AddChild(payload.Root())

	data, err := doc.WriteToBytes()
	if err != nil {
		return "", nil, nil, fmt.Errorf("serializing SOAP envelope: %w", err)
	}

	headers := map[string]string{
		"Content-Type": "text/xml; charset=UTF-8",
		"SOAPAction":   fmt.Sprintf("%s/%s", e.Service, e.Action),
	}

	return e.MessageID, headers, data, nil
}

// Parse reads a synchronous SOAP message and flattens it into the envelope
// field set. Any empty required field fails the parse.
func Parse(raw []byte) (*Envelope, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrParse)
	}

	header := findElement(root, "Header")
	body := findElement(root, "Body")
	if header == nil || body == nil {
		return nil, fmt.Errorf("%w: missing SOAP Header or Body", ErrParse)
	}

	env := &Envelope{}

	if id := findElement(header, "MessageID"); id != nil {
		env.MessageID = strings.TrimPrefix(id.Text(), "uuid:")
	}
	if action := findElement(header, "Action"); action != nil {
		env.Service, env.Action = splitAction(action.Text())
	}
	if from := findPath(header, "From", "Address"); from != nil {
		env.FromASID = from.Text()
	}
	if to := findElement(header, "To"); to != nil {
		env.ToASID = to.Text()
	}

	if payload := firstChildElement(body); payload != nil {
		payloadDoc := etree.NewDocument()
		payloadDoc.SetRoot(payload.Copy())
		text, err := payloadDoc.WriteToString()
		if err != nil {
			return nil, fmt.Errorf("%w: extracting body payload: %v", ErrParse, err)
		}
		env.Message = text
	}

	for field, value := range map[string]string{
		"from_asid":  env.FromASID,
		"to_asid":    env.ToASID,
		"message_id": env.MessageID,
		"service":    env.Service,
		"action":     env.Action,
		"message":    env.Message,
	} {
		if value == "" {
			return nil, fmt.Errorf("%w: required field %s is empty", ErrParse, field)
		}
	}

	return env, nil
}

// splitAction splits a wsa:Action value of the form service/action on the
// final slash.
func splitAction(action string) (string, string) {
	idx := strings.LastIndex(action, "/")
	if idx < 0 {
		return action, ""
	}
	return action[:idx], action[idx+1:]
}

func findElement(parent *etree.Element, local string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == local {
			return child
		}
	}
	return nil
}

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

func firstChildElement(parent *etree.Element) *etree.Element {
	children := parent.ChildElements()
	if len(children) == 0 {
		return nil
	}
	return children[0]
}
