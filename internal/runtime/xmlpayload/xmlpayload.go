// Package xmlpayload parses message payloads into XML documents.
package xmlpayload

import (
	"bytes"
	"errors"
	"fmt"
	"html"

	"github.com/beevik/etree"
)

var ErrEmptyPayload = errors.New("xmlpayload: payload is empty")

// Parse reads body as an XML document. When direct parsing fails the legacy
// string encoding is tried: a serialized string wrapper such as
// <string xmlns="...">&lt;Message/&gt;</string>, or a bare HTML-escaped
// document. The error of the direct parse is returned when both fail.
func Parse(body []byte) (*etree.Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}

	doc := etree.NewDocument()
	err := doc.ReadFromBytes(trimmed)
	if err == nil && doc.Root() != nil {
		if inner, ok := unwrapStringElement(doc); ok {
			return inner, nil
		}
		return doc, nil
	}
	if err == nil {
		err = errors.New("xmlpayload: no root element")
	}

	if legacy, legacyErr := parseLegacy(trimmed); legacyErr == nil {
		return legacy, nil
	}
	return nil, fmt.Errorf("xmlpayload: %w", err)
}

// unwrapStringElement handles payloads whose root is a <string> element
// carrying an escaped XML document as text.
func unwrapStringElement(doc *etree.Document) (*etree.Document, bool) {
	root := doc.Root()
	if root.Tag != "string" || len(root.ChildElements()) > 0 {
		return nil, false
	}
	text := bytes.TrimSpace([]byte(root.Text()))
	if len(text) == 0 || text[0] != '<' {
		return nil, false
	}
	inner := etree.NewDocument()
	if err := inner.ReadFromBytes(text); err != nil || inner.Root() == nil {
		return nil, false
	}
	return inner, true
}

func parseLegacy(body []byte) (*etree.Document, error) {
	unescaped := html.UnescapeString(string(body))
	if unescaped == string(body) {
		return nil, errors.New("xmlpayload: not an escaped document")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(unescaped); err != nil {
		return nil, err
	}
	if doc.Root() == nil {
		return nil, errors.New("xmlpayload: no root element")
	}
	return doc, nil
}

// Serialize writes doc without indentation, prefixed with an XML
// declaration when the document lacks one.
func Serialize(doc *etree.Document) ([]byte, error) {
	if doc == nil || doc.Root() == nil {
		return nil, ErrEmptyPayload
	}
	out := doc.Copy()
	hasDecl := false
	for _, tok := range out.Child {
		if pi, ok := tok.(*etree.ProcInst); ok && pi.Target == "xml" {
			hasDecl = true
			break
		}
	}
	if !hasDecl {
		out.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
		// CreateProcInst appends; move the declaration to the front.
		decl := out.Child[len(out.Child)-1]
		out.Child = append([]etree.Token{decl}, out.Child[:len(out.Child)-1]...)
	}
	return out.WriteToBytes()
}
