package mime

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	headerDoc := []byte(`<soap:Envelope/>`)
	parts := []Part{
		{ContentID: "<payload@spine.nhs.uk>", ContentType: "application/xml", Data: []byte("<hl7/>")},
	}

	msg := NewMessage(headerDoc, parts)

	assert.NotEmpty(t, msg.Boundary)
	assert.NotEmpty(t, msg.StartID)
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, headerDoc, msg.Parts[0].Data)
	assert.Equal(t, msg.StartID, msg.Parts[0].ContentID)
}

func TestMessage_SerializeRoundTrip(t *testing.T) {
	headerDoc := []byte(`<soap:Envelope><soap:Header/></soap:Envelope>`)
	parts := []Part{
		{
			ContentID:       "<payload@spine.nhs.uk>",
			ContentType:     "application/xml; charset=UTF-8",
			ContentTransfer: "8bit",
			Data:            []byte("<hl7:EhrRequest/>"),
		},
		{
			ContentID:       "<attachment@spine.nhs.uk>",
			ContentType:     "application/octet-stream",
			ContentTransfer: "base64",
			Data:            []byte("aGVsbG8="),
		},
	}

	msg := NewMessage(headerDoc, parts)
	body, contentType, err := msg.Serialize()
	require.NoError(t, err)
	assert.Contains(t, contentType, "multipart/related")
	assert.Contains(t, contentType, "boundary=")

	parsed, err := Parse(bytes.NewReader(body), contentType)
	require.NoError(t, err)
	require.Len(t, parsed.Parts, 3)

	assert.Equal(t, headerDoc, parsed.HeaderPart().Data)

	attachments := parsed.AttachmentParts()
	require.Len(t, attachments, 2)
	assert.Equal(t, []byte("<hl7:EhrRequest/>"), attachments[0].Data)
	assert.True(t, attachments[1].IsBase64())
}

func TestParse_NotMultipart(t *testing.T) {
	_, err := Parse(strings.NewReader("<xml/>"), "text/xml")
	assert.Error(t, err)
}

func TestParse_MissingBoundary(t *testing.T) {
	_, err := Parse(strings.NewReader(""), "multipart/related")
	assert.Error(t, err)
}

func TestGetPartByContentID(t *testing.T) {
	msg := NewMessage([]byte("<env/>"), []Part{
		{ContentID: "<abc@spine.nhs.uk>", ContentType: "text/plain", Data: []byte("x")},
	})

	part := msg.GetPartByContentID("abc@spine.nhs.uk")
	require.NotNil(t, part)
	assert.Equal(t, []byte("x"), part.Data)

	assert.Nil(t, msg.GetPartByContentID("missing"))
}

func TestContentIDBrackets(t *testing.T) {
	assert.Equal(t, "<id@host>", AddContentIDBrackets("id@host"))
	assert.Equal(t, "<id@host>", AddContentIDBrackets("<id@host>"))
	assert.Equal(t, "id@host", GetContentIDWithoutBrackets("<id@host>"))
	assert.Equal(t, "id@host", GetContentIDWithoutBrackets("id@host"))
}
