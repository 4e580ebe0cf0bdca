package soap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// FaultDetail is a single numbered error inside a SOAP fault's detail block.
type FaultDetail struct {
	Code        int
	CodeContext string
	Severity    string
	Description string
}

// Fault is a parsed SOAP fault. Whether a fault is worth retrying is decided
// by the workflow against its configured retriable code set; the codec only
// extracts the codes.
type Fault struct {
	FaultCode   string
	FaultString string
	Details     []FaultDetail
}

// Codes returns the numeric error codes carried in the fault detail.
func (f *Fault) Codes() []int {
	codes := make([]int, len(f.Details))
	for i, d := range f.Details {
		codes[i] = d.Code
	}
	return codes
}

func (f *Fault) String() string {
	parts := make([]string, 0, len(f.Details)+1)
	parts = append(parts, fmt.Sprintf("%s: %s", f.FaultCode, f.FaultString))
	for _, d := range f.Details {
		parts = append(parts, fmt.Sprintf("%d (%s): %s", d.Code, d.Severity, d.Description))
	}
	return strings.Join(parts, "; ")
}

// ParseFault reads a SOAP fault response body. It fails when the body holds
// no SOAP-ENV:Fault element.
func ParseFault(raw []byte) (*Fault, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrParse)
	}

	faultEl := findPath(root, "Body", "Fault")
	if faultEl == nil {
		return nil, fmt.Errorf("%w: no SOAP Fault element", ErrParse)
	}

	fault := &Fault{}
	if code := findElement(faultEl, "faultcode"); code != nil {
		fault.FaultCode = code.Text()
	}
	if str := findElement(faultEl, "faultstring"); str != nil {
		fault.FaultString = str.Text()
	}

	if detail := findElement(faultEl, "detail"); detail != nil {
		fault.Details = parseDetailErrors(detail)
	}

	return fault, nil
}

// parseDetailErrors collects every numbered error element beneath the fault
// detail, whatever list wrapper the responder used.
func parseDetailErrors(detail *etree.Element) []FaultDetail {
	var details []FaultDetail

	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		for _, child := range el.ChildElements() {
			if child.Tag == "error" || child.Tag == "Error" {
				if d, ok := parseDetailError(child); ok {
					details = append(details, d)
				}
				continue
			}
			walk(child)
		}
	}
	walk(detail)

	return details
}

func parseDetailError(el *etree.Element) (FaultDetail, bool) {
	d := FaultDetail{}
	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "errorCode":
			code, err := strconv.Atoi(strings.TrimSpace(child.Text()))
			if err != nil {
				return d, false
			}
			d.Code = code
		case "codeContext":
			d.CodeContext = child.Text()
		case "severity":
			d.Severity = child.Text()
		case "description":
			d.Description = child.Text()
		}
	}
	return d, d.Code != 0
}
