package server

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/xmlutil"
)

// Request bodies are checked by xmlutil.Check first, then decoded into
// typed structs; arbitrary property names survive as xml.Name plus raw
// inner XML.

type propElement struct {
	XMLName xml.Name
	Inner   string `xml:",innerxml"`
}

func (p propElement) name() xmlutil.Name {
	return xmlutil.Name{Space: p.XMLName.Space, Local: p.XMLName.Local}
}

type propContainer struct {
	Elements []propElement `xml:",any"`
}

type propfindBody struct {
	XMLName  xml.Name       `xml:"DAV: propfind"`
	PropName *struct{}      `xml:"propname"`
	AllProp  *struct{}      `xml:"allprop"`
	Prop     *propContainer `xml:"prop"`
}

type proppatchBody struct {
	XMLName xml.Name          `xml:"DAV: propertyupdate"`
	Actions []proppatchAction `xml:",any"`
}

type proppatchAction struct {
	XMLName xml.Name
	Prop    propContainer `xml:"prop"`
}

type mkcolBody struct {
	XMLName xml.Name
	Set     struct {
		Prop propContainer `xml:"prop"`
	} `xml:"set"`
}

type calendarQueryBody struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:caldav calendar-query"`
	Prop    *propContainer `xml:"prop"`
	Filter  struct {
		CompFilters []item.CompFilter `xml:"comp-filter"`
	} `xml:"filter"`
}

// expandRange is the C:expand child of a requested calendar-data property.
type expandRange struct {
	Start string
	End   string
}

// parseExpand scans a calendar-data fragment for an expand element by local
// name, tolerating whatever prefix the client used.
func parseExpand(inner string) *expandRange {
	dec := xml.NewDecoder(strings.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "expand" {
			continue
		}
		var er expandRange
		for _, attr := range se.Attr {
			switch attr.Name.Local {
			case "start":
				er.Start = attr.Value
			case "end":
				er.End = attr.Value
			}
		}
		return &er
	}
}

type calendarMultigetBody struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:caldav calendar-multiget"`
	Prop    *propContainer `xml:"prop"`
	Hrefs   []string       `xml:"href"`
}

type addressbookQueryBody struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:carddav addressbook-query"`
	Prop    *propContainer `xml:"prop"`
	Filter  struct {
		Test        string            `xml:"test,attr"`
		PropFilters []item.PropFilter `xml:"prop-filter"`
	} `xml:"filter"`
}

type addressbookMultigetBody struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:carddav addressbook-multiget"`
	Prop    *propContainer `xml:"prop"`
	Hrefs   []string       `xml:"href"`
}

type freeBusyQueryBody struct {
	XMLName   xml.Name        `xml:"urn:ietf:params:xml:ns:caldav free-busy-query"`
	TimeRange *item.TimeRange `xml:"time-range"`
}

type syncCollectionBody struct {
	XMLName   xml.Name       `xml:"DAV: sync-collection"`
	SyncToken string         `xml:"sync-token"`
	SyncLevel string         `xml:"sync-level"`
	Prop      *propContainer `xml:"prop"`
}

type expandPropertyBody struct {
	XMLName    xml.Name `xml:"DAV: expand-property"`
	Properties []struct {
		Name string `xml:"name,attr"`
	} `xml:"property"`
}

// decodeBody validates and unmarshals a request body. It reports whether
// decoding succeeded; on failure the response has been written.
func decodeBody(w http.ResponseWriter, body []byte, dst any) bool {
	if err := xmlutil.Check(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := xml.Unmarshal(body, dst); err != nil {
		http.Error(w, "malformed XML body", http.StatusBadRequest)
		return false
	}
	return true
}
