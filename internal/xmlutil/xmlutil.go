// Package xmlutil provides the DAV namespace table, a hardened XML parsing
// front end shared by every handler, and multistatus response assembly over
// arbitrary qualified property names.
package xmlutil

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/beevik/etree"
)

const (
	NSDav       = "DAV:"
	NSCalDAV    = "urn:ietf:params:xml:ns:caldav"
	NSCardDAV   = "urn:ietf:params:xml:ns:carddav"
	NSAppleICal = "http://apple.com/ns/ical/"
	NSCalServer = "http://calendarserver.org/ns/"
	NSLegacy    = "http://radicale.org/ns/"
)

// prefixes is the canonical prefix set used on the wire and in stored
// property keys.
var prefixes = map[string]string{
	NSDav:       "D",
	NSCalDAV:    "C",
	NSCardDAV:   "CR",
	NSAppleICal: "I",
	NSCalServer: "CS",
	NSLegacy:    "X",
}

var namespaces = func() map[string]string {
	m := make(map[string]string, len(prefixes))
	for ns, p := range prefixes {
		m[p] = ns
	}
	return m
}()

// Name is a qualified XML name.
type Name struct {
	Space string
	Local string
}

func (n Name) String() string {
	if p, ok := prefixes[n.Space]; ok {
		return p + ":" + n.Local
	}
	if n.Space == "" {
		return n.Local
	}
	return "{" + n.Space + "}" + n.Local
}

// ParseName reverses Name.String: it accepts canonical-prefix form
// ("D:displayname"), Clark form ("{urn:...}name") and bare local names.
func ParseName(s string) Name {
	if strings.HasPrefix(s, "{") {
		if i := strings.IndexByte(s, '}'); i > 0 {
			return Name{Space: s[1:i], Local: s[i+1:]}
		}
	}
	if i := strings.IndexByte(s, ':'); i > 0 {
		if ns, ok := namespaces[s[:i]]; ok {
			return Name{Space: ns, Local: s[i+1:]}
		}
	}
	return Name{Local: s}
}

const (
	maxDepth    = 32
	maxElements = 8192
)

var (
	ErrDocTooDeep  = errors.New("xml document exceeds depth limit")
	ErrDocTooLarge = errors.New("xml document exceeds element limit")
	ErrForbidden   = errors.New("xml document contains forbidden constructs")
)

// Check walks the raw document and rejects DTDs, processing instructions
// and documents exceeding the depth or element budget. It must run before
// any tree is built from untrusted input.
func Check(body []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	// Entities beyond the predefined five are not resolved.
	dec.Entity = map[string]string{}
	depth, elements := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.Directive:
			return ErrForbidden
		case xml.StartElement:
			depth++
			elements++
			if depth > maxDepth {
				return ErrDocTooDeep
			}
			if elements > maxElements {
				return ErrDocTooLarge
			}
		case xml.EndElement:
			depth--
		}
	}
}

// Parse validates and builds a document tree from a request body. A nil,
// empty body yields (nil, nil): several DAV methods allow empty bodies.
func Parse(body []byte) (*etree.Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if err := Check(body); err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, err
	}
	return doc, nil
}

// ElementName resolves an etree element's namespace-qualified name.
func ElementName(el *etree.Element) Name {
	return Name{Space: el.NamespaceURI(), Local: el.Tag}
}

func StatusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// Multistatus accumulates response elements and serializes a
// D:multistatus document.
type Multistatus struct {
	doc  *etree.Document
	root *etree.Element
}

func NewMultistatus() *Multistatus {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("D:multistatus")
	for ns, p := range prefixes {
		root.CreateAttr("xmlns:"+p, ns)
	}
	return &Multistatus{doc: doc, root: root}
}

// Response appends a response element for href.
func (m *Multistatus) Response(href string) *Response {
	el := m.root.CreateElement("D:response")
	el.CreateElement("D:href").SetText(href)
	return &Response{el: el, props: map[int]*etree.Element{}}
}

// SetSyncToken appends the top-level sync-token element used by
// sync-collection reports.
func (m *Multistatus) SetSyncToken(token string) {
	m.root.CreateElement("D:sync-token").SetText(token)
}

func (m *Multistatus) Bytes() ([]byte, error) {
	m.doc.Indent(2)
	return m.doc.WriteToBytes()
}

// Write serializes the document with status 207.
func (m *Multistatus) Write(w http.ResponseWriter) error {
	b, err := m.Bytes()
	if err != nil {
		http.Error(w, "xml encode error", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(b)))
	w.WriteHeader(http.StatusMultiStatus)
	_, err = w.Write(b)
	return err
}

// Response is one per-href response under a multistatus. Properties are
// grouped into a single propstat per status code.
type Response struct {
	el    *etree.Element
	props map[int]*etree.Element
}

// SetStatus emits a bare status child (used for removed resources in
// sync-collection and for MOVE/DELETE results).
func (r *Response) SetStatus(code int) {
	r.el.CreateElement("D:status").SetText(StatusLine(code))
}

// Prop returns the D:prop container of the propstat for the given status,
// creating it on first use.
func (r *Response) Prop(status int) *etree.Element {
	if p, ok := r.props[status]; ok {
		return p
	}
	ps := r.el.CreateElement("D:propstat")
	p := ps.CreateElement("D:prop")
	ps.CreateElement("D:status").SetText(StatusLine(status))
	r.props[status] = p
	return p
}

// AddProp appends an element named n under the propstat for status and
// returns it so callers can attach children or text.
func (r *Response) AddProp(status int, n Name) *etree.Element {
	return AppendElement(r.Prop(status), n)
}

// AppendElement creates a child with a qualified name. Names in the
// canonical namespace set use their fixed prefix (declared on the
// multistatus root); anything else declares its namespace inline.
func AppendElement(parent *etree.Element, n Name) *etree.Element {
	if p, ok := prefixes[n.Space]; ok {
		return parent.CreateElement(p + ":" + n.Local)
	}
	el := parent.CreateElement(n.Local)
	if n.Space != "" {
		el.CreateAttr("xmlns", n.Space)
	}
	return el
}

// InnerXML renders the serialized children of el, used to round-trip dead
// properties whose values are XML fragments.
func InnerXML(el *etree.Element) string {
	var sb strings.Builder
	for _, child := range el.Child {
		switch c := child.(type) {
		case *etree.Element:
			d := etree.NewDocument()
			d.SetRoot(c.Copy())
			s, _ := d.WriteToString()
			sb.WriteString(s)
		case *etree.CharData:
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

// Error renders a DAV:error body carrying a single precondition element,
// e.g. {DAV:}valid-sync-token or {urn:ietf:params:xml:ns:caldav}max-resource-size.
func Error(w http.ResponseWriter, status int, precondition Name) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("D:error")
	root.CreateAttr("xmlns:D", NSDav)
	AppendElement(root, precondition)
	doc.Indent(2)
	b, _ := doc.WriteToBytes()
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
