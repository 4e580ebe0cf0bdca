package mime

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

const (
	// ContentTypeMultipartRelated is the MIME type for multipart/related
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeTextXML is the MIME type of the ebXML header part
	ContentTypeTextXML = "text/xml"
)

// Part is a single part of a multipart/related message.
type Part struct {
	ContentID       string
	ContentType     string
	ContentTransfer string
	Data            []byte
	Headers         textproto.MIMEHeader
}

// IsBase64 reports whether the part's content is base64 encoded, as
// declared by its Content-Transfer-Encoding header.
func (p *Part) IsBase64() bool {
	return strings.EqualFold(p.ContentTransfer, "base64")
}

// Message represents a complete multipart/related message. The first part
// is always the ebXML header document.
type Message struct {
	Boundary    string
	ContentType string
	StartID     string
	Type        string
	Parts       []Part
}

// NewMessage creates a multipart message whose first part is the given
// ebXML header document, followed by the remaining parts in order.
func NewMessage(headerDoc []byte, parts []Part) *Message {
	startID := fmt.Sprintf("<%s@spine.nhs.uk>", uuid.New().String())

	all := make([]Part, 0, len(parts)+1)
	all = append(all, Part{
		ContentID:       startID,
		ContentType:     fmt.Sprintf("%s; charset=UTF-8", ContentTypeTextXML),
		ContentTransfer: "8bit",
		Data:            headerDoc,
	})
	all = append(all, parts...)

	return &Message{
		Boundary:    generateBoundary(),
		ContentType: ContentTypeMultipartRelated,
		StartID:     startID,
		Type:        ContentTypeTextXML,
		Parts:       all,
	}
}

// Serialize produces the wire bytes and the full Content-Type header value,
// including boundary, type and start parameters.
func (m *Message) Serialize() ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.SetBoundary(m.Boundary); err != nil {
		return nil, "", fmt.Errorf("failed to set boundary: %w", err)
	}

	for _, part := range m.Parts {
		header := textproto.MIMEHeader{}

		contentType := part.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		transferEncoding := part.ContentTransfer
		if transferEncoding == "" {
			transferEncoding = "8bit"
		}
		header.Set("Content-Transfer-Encoding", transferEncoding)

		contentID := part.ContentID
		if contentID == "" {
			contentID = fmt.Sprintf("<%s@spine.nhs.uk>", uuid.New().String())
		}
		header.Set("Content-ID", AddContentIDBrackets(contentID))

		for key, values := range part.Headers {
			for _, value := range values {
				header.Add(key, value)
			}
		}

		w, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part: %w", err)
		}
		if _, err := w.Write(part.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	params := map[string]string{
		"boundary": m.Boundary,
		"type":     m.Type,
		"start":    GetContentIDWithoutBrackets(m.StartID),
	}
	contentType := mime.FormatMediaType(m.ContentType, params)

	return buf.Bytes(), contentType, nil
}

// Parse reads a multipart/related message. The ebXML header is the first
// part by convention; no reordering based on the start parameter is done
// beyond recording it.
func Parse(r io.Reader, contentType string) (*Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content type: %w", err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("not a multipart message: %s", mediaType)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("boundary not found in content type")
	}

	msg := &Message{
		Boundary:    boundary,
		ContentType: mediaType,
		StartID:     params["start"],
		Type:        params["type"],
		Parts:       []Part{},
	}

	reader := multipart.NewReader(r, boundary)
	for {
		part, err := reader.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("failed to read part data: %w", err)
		}

		msg.Parts = append(msg.Parts, Part{
			ContentID:       part.Header.Get("Content-ID"),
			ContentType:     part.Header.Get("Content-Type"),
			ContentTransfer: part.Header.Get("Content-Transfer-Encoding"),
			Data:            data,
			Headers:         part.Header,
		})
	}

	if len(msg.Parts) == 0 {
		return nil, fmt.Errorf("no parts found in message")
	}

	return msg, nil
}

// HeaderPart returns the ebXML header document part (part 0).
func (m *Message) HeaderPart() *Part {
	if len(m.Parts) == 0 {
		return nil
	}
	return &m.Parts[0]
}

// AttachmentParts returns every part after the header part.
func (m *Message) AttachmentParts() []Part {
	if len(m.Parts) <= 1 {
		return nil
	}
	return m.Parts[1:]
}

// GetPartByContentID finds a part by Content-ID, tolerating cid: prefixes
// and angle brackets.
func (m *Message) GetPartByContentID(contentID string) *Part {
	want := normalizeContentID(contentID)
	for i := range m.Parts {
		if normalizeContentID(m.Parts[i].ContentID) == want {
			return &m.Parts[i]
		}
	}
	return nil
}

// normalizeContentID normalizes a Content-ID for comparison
func normalizeContentID(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "cid:")
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}

// generateBoundary generates a MIME boundary string
func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// GetContentIDWithoutBrackets removes < and > from Content-ID
func GetContentIDWithoutBrackets(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}

// AddContentIDBrackets adds < and > to Content-ID if not present
func AddContentIDBrackets(contentID string) string {
	if !strings.HasPrefix(contentID, "<") {
		contentID = "<" + contentID
	}
	if !strings.HasSuffix(contentID, ">") {
		contentID = contentID + ">"
	}
	return contentID
}
