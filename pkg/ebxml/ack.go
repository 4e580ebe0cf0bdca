package ebxml

import (
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// Acknowledgment is the eb:Acknowledgment signal sent back to Spine after an
// inbound message has been handled.
type Acknowledgment struct {
	FromPartyID    string
	ToPartyID      string
	CPAID          string
	ConversationID string
	// RefToMessageID identifies the inbound message being acknowledged.
	RefToMessageID string
	// ReceivedTimestamp is the inbound message's own timestamp, echoed back.
	ReceivedTimestamp string
}

// Serialize renders the acknowledgment as a single-part text/xml document.
func (a *Acknowledgment) Serialize() (string, map[string]string, []byte, error) {
	messageID := uuid.New().String()
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05Z")

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", NsSOAP)
	env.CreateAttr("xmlns:eb", NsEb)

	header := env.CreateElement("soap:Header")

	msgHeader := header.CreateElement("eb:MessageHeader")
	msgHeader.CreateAttr("soap:mustUnderstand", "1")
	msgHeader.CreateAttr("eb:version", "2.0")

	from := msgHeader.CreateElement("eb:From")
	fromParty := from.CreateElement("eb:PartyId")
	fromParty.CreateAttr("eb:type", PartyIDType)
	fromParty.SetText(a.FromPartyID)

	to := msgHeader.CreateElement("eb:To")
	toParty := to.CreateElement("eb:PartyId")
	toParty.CreateAttr("eb:type", PartyIDType)
	toParty.SetText(a.ToPartyID)

	msgHeader.CreateElement("eb:CPAId").SetText(a.CPAID)
	msgHeader.CreateElement("eb:ConversationId").SetText(a.ConversationID)
	msgHeader.CreateElement("eb:Service").SetText("urn:oasis:names:tc:ebxml-msg:service")
	msgHeader.CreateElement("eb:Action").SetText("Acknowledgment")

	msgData := msgHeader.CreateElement("eb:MessageData")
	msgData.CreateElement("eb:MessageId").SetText(messageID)
	msgData.CreateElement("eb:Timestamp").SetText(timestamp)
	msgData.CreateElement("eb:RefToMessageId").SetText(a.RefToMessageID)

	ack := header.CreateElement("eb:Acknowledgment")
	ack.CreateAttr("soap:mustUnderstand", "1")
	ack.CreateAttr("eb:version", "2.0")
	ack.CreateAttr("soap:actor", SOAPActorNext)
	ack.CreateElement("eb:Timestamp").SetText(a.ReceivedTimestamp)
	ack.CreateElement("eb:RefToMessageId").SetText(a.RefToMessageID)

	env.CreateElement("soap:Body")

	body, err := doc.WriteToBytes()
	if err != nil {
		return "", nil, nil, err
	}

	headers := map[string]string{
		"Content-Type": "text/xml; charset=UTF-8",
	}

	return messageID, headers, body, nil
}
