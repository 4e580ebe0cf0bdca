package ebxml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// FaultError is one eb:Error entry from an eb:ErrorList. ebXML faults are
// terminal: the workflow never retries them.
type FaultError struct {
	ErrorCode   string
	Severity    string
	CodeContext string
	Description string
}

func (e FaultError) String() string {
	return fmt.Sprintf("%s (severity=%s): %s", e.ErrorCode, e.Severity, e.Description)
}

// IsFault reports whether the parsed message is an ebXML fault.
func (m *Message) IsFault() bool {
	return len(m.ErrorList) > 0
}

// FaultDescription summarises every error in the fault for logging and for
// the HTTP error body returned to the supplier.
func (m *Message) FaultDescription() string {
	descs := make([]string, len(m.ErrorList))
	for i, e := range m.ErrorList {
		descs[i] = e.String()
	}
	return strings.Join(descs, "; ")
}

func parseErrorList(errorList *etree.Element) []FaultError {
	var errors []FaultError
	for _, el := range errorList.ChildElements() {
		if el.Tag != "Error" {
			continue
		}
		fault := FaultError{
			ErrorCode:   attrValue(el, "errorCode"),
			Severity:    attrValue(el, "severity"),
			CodeContext: attrValue(el, "codeContext"),
		}
		if desc := findElement(el, "Description"); desc != nil {
			fault.Description = desc.Text()
		}
		errors = append(errors, fault)
	}
	return errors
}
