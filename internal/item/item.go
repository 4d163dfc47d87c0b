// Package item models single calendar components and contact cards: parsing
// and canonical serialization, UID handling, REPORT filter evaluation and
// recurrence expansion.
package item

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	govcard "github.com/emersion/go-vcard"
)

const ProdID = "-//filedav//NONSGML filedav server//EN"

// Kind is the component kind of a stored item.
type Kind string

const (
	KindEvent   Kind = "VEVENT"
	KindTodo    Kind = "VTODO"
	KindJournal Kind = "VJOURNAL"
	KindCard    Kind = "VCARD"
)

// Tag is the collection tag an item kind is compatible with.
type Tag string

const (
	TagCalendar    Tag = "VCALENDAR"
	TagAddressBook Tag = "VADDRESSBOOK"
	TagNone        Tag = ""
)

func (k Kind) Tag() Tag {
	if k == KindCard {
		return TagAddressBook
	}
	return TagCalendar
}

var ErrInvalidItem = errors.New("invalid item")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidItem}, args...)...)
}

// Item is a single VEVENT/VTODO/VJOURNAL (with its overridden recurrences)
// or a single VCARD, in canonical serialized form.
type Item struct {
	Name         string
	UID          string
	Kind         Kind
	Payload      []byte
	ETag         string
	LastModified time.Time

	cal  *ical.Calendar
	card govcard.Card
}

// Calendar returns the parsed VCALENDAR for calendar items, nil otherwise.
func (it *Item) Calendar() *ical.Calendar { return it.cal }

// Card returns the parsed card for address book items, nil otherwise.
func (it *Item) Card() govcard.Card { return it.card }

func Etag(payload []byte) string {
	sum := sha256.Sum256(payload)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// Sanitize strips control characters that break the text parsers, keeping
// HT, LF and CR.
func Sanitize(data []byte) []byte {
	clean := make([]byte, 0, len(data))
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			continue
		}
		clean = append(clean, b)
	}
	return clean
}

// Parse accepts a single-item upload in either format, detected from the
// leading BEGIN line.
func Parse(data []byte) (*Item, error) {
	data = Sanitize(data)
	head := strings.ToUpper(string(data[:min(64, len(data))]))
	switch {
	case strings.Contains(head, "BEGIN:VCALENDAR"):
		return ParseCalendarItem(data)
	case strings.Contains(head, "BEGIN:VCARD"):
		return ParseCardItem(data)
	default:
		return nil, invalidf("neither VCALENDAR nor VCARD")
	}
}

// ParseCalendarItem parses one iCalendar upload that must contain exactly
// one logical component: a single UID, possibly with overridden recurrences
// sharing that UID.
func ParseCalendarItem(data []byte) (*Item, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, invalidf("%v", err)
	}
	comps := contentComponents(cal)
	if len(comps) == 0 {
		return nil, invalidf("no component in VCALENDAR")
	}
	kind := Kind(comps[0].Name)
	switch kind {
	case KindEvent, KindTodo, KindJournal:
	default:
		return nil, invalidf("unsupported component %s", comps[0].Name)
	}
	uid := ""
	for _, c := range comps {
		if Kind(c.Name) != kind {
			return nil, invalidf("mixed component kinds in one item")
		}
		p := c.Props.Get(ical.PropUID)
		if p == nil || p.Value == "" {
			return nil, invalidf("missing UID")
		}
		if uid == "" {
			uid = p.Value
		} else if uid != p.Value {
			return nil, invalidf("multiple UIDs in one item")
		}
	}
	canonicalizeCalendar(cal)
	payload, err := encodeCalendar(cal)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	return &Item{
		UID:     uid,
		Kind:    kind,
		Payload: payload,
		ETag:    Etag(payload),
		cal:     cal,
	}, nil
}

// ParseCardItem parses a single vCard upload. A missing UID is synthesized
// deterministically from the card content.
func ParseCardItem(data []byte) (*Item, error) {
	dec := govcard.NewDecoder(bytes.NewReader(data))
	card, err := dec.Decode()
	if err != nil {
		return nil, invalidf("%v", err)
	}
	if _, err := dec.Decode(); err == nil {
		return nil, invalidf("more than one vCard in item upload")
	}
	if card.Value(govcard.FieldVersion) == "" {
		card.SetValue(govcard.FieldVersion, "3.0")
	}
	uid := card.Value(govcard.FieldUID)
	if uid == "" {
		uid = SyntheticUID(data)
		card.SetValue(govcard.FieldUID, uid)
	}
	payload, err := encodeCard(card)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	return &Item{
		UID:     uid,
		Kind:    KindCard,
		Payload: payload,
		ETag:    Etag(payload),
		card:    card,
	}, nil
}

// SyntheticUID derives a stable UID from a component's bytes, so that
// re-uploading the same content yields the same identity.
func SyntheticUID(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SplitCalendarStream splits a whole-collection iCalendar upload into one
// item per UID. Components without a UID get a synthetic one; a UID carried
// by components of different kinds is an error.
func SplitCalendarStream(data []byte) ([]*Item, error) {
	data = Sanitize(data)
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, invalidf("%v", err)
	}
	timezones := make([]*ical.Component, 0)
	groups := make(map[string][]*ical.Component)
	var order []string
	for _, child := range cal.Children {
		switch Kind(child.Name) {
		case KindEvent, KindTodo, KindJournal:
			uid := ""
			if p := child.Props.Get(ical.PropUID); p != nil {
				uid = p.Value
			}
			if uid == "" {
				uid = SyntheticUID(componentText(child))
				prop := ical.NewProp(ical.PropUID)
				prop.Value = uid
				child.Props.Set(prop)
			}
			if _, seen := groups[uid]; !seen {
				order = append(order, uid)
			}
			groups[uid] = append(groups[uid], child)
		default:
			if child.Name == ical.CompTimezone {
				timezones = append(timezones, child)
			}
		}
	}
	items := make([]*Item, 0, len(order))
	for _, uid := range order {
		comps := groups[uid]
		// Components may share a UID only as one master plus its
		// RECURRENCE-ID overrides.
		masters := 0
		for _, c := range comps {
			if c.Props.Get(ical.PropRecurrenceID) == nil {
				masters++
			}
		}
		if masters > 1 {
			return nil, invalidf("duplicate UID %s", uid)
		}
		sub := ical.NewCalendar()
		sub.Props = copyCalendarProps(cal.Props)
		sub.Children = append(append([]*ical.Component{}, timezones...), comps...)
		canonicalizeCalendar(sub)
		payload, err := encodeCalendar(sub)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		it := &Item{
			UID:     uid,
			Kind:    Kind(comps[0].Name),
			Payload: payload,
			ETag:    Etag(payload),
			cal:     sub,
		}
		for _, c := range comps[1:] {
			if Kind(c.Name) != it.Kind {
				return nil, invalidf("uid %s spans component kinds", uid)
			}
		}
		items = append(items, it)
	}
	return items, nil
}

// SplitCardStream splits a whole-collection vCard upload into one item per
// card.
func SplitCardStream(data []byte) ([]*Item, error) {
	data = Sanitize(data)
	dec := govcard.NewDecoder(bytes.NewReader(data))
	var items []*Item
	for {
		card, err := dec.Decode()
		if err != nil {
			break
		}
		if card.Value(govcard.FieldVersion) == "" {
			card.SetValue(govcard.FieldVersion, "3.0")
		}
		uid := card.Value(govcard.FieldUID)
		if uid == "" {
			var raw bytes.Buffer
			_ = govcard.NewEncoder(&raw).Encode(card)
			uid = SyntheticUID(raw.Bytes())
			card.SetValue(govcard.FieldUID, uid)
		}
		payload, err := encodeCard(card)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		items = append(items, &Item{
			UID:     uid,
			Kind:    KindCard,
			Payload: payload,
			ETag:    Etag(payload),
			card:    card,
		})
	}
	if len(items) == 0 {
		return nil, invalidf("no vCard in upload")
	}
	return items, nil
}

// contentComponents lists the non-VTIMEZONE children of a calendar.
func contentComponents(cal *ical.Calendar) []*ical.Component {
	var out []*ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			out = append(out, child)
		}
	}
	return out
}

// canonicalizeCalendar forces the wrapper's PRODID and VERSION; the stored
// form always carries this server's PRODID. Components without a DTSTAMP
// get one, since the canonical encoding requires it.
func canonicalizeCalendar(cal *ical.Calendar) {
	cal.Props.SetText(ical.PropProductID, ProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	now := time.Now().UTC()
	for _, comp := range contentComponents(cal) {
		if comp.Props.Get(ical.PropDateTimeStamp) == nil {
			comp.Props.SetDateTime(ical.PropDateTimeStamp, now)
		}
	}
}

func copyCalendarProps(src ical.Props) ical.Props {
	dst := ical.Props{}
	for name, props := range src {
		cp := make([]ical.Prop, len(props))
		copy(cp, props)
		dst[name] = cp
	}
	return dst
}

func encodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCard(card govcard.Card) ([]byte, error) {
	var buf bytes.Buffer
	if err := govcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// componentText serializes a single component in a throwaway wrapper, used
// to derive synthetic UIDs. A missing DTSTAMP is filled with a fixed value
// so the derived UID stays stable across re-uploads.
func componentText(comp *ical.Component) []byte {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, ProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	cp := &ical.Component{Name: comp.Name, Props: copyCalendarProps(comp.Props), Children: comp.Children}
	if cp.Props.Get(ical.PropDateTimeStamp) == nil {
		cp.Props.SetDateTime(ical.PropDateTimeStamp, time.Unix(0, 0).UTC())
	}
	if cp.Props.Get(ical.PropUID) == nil {
		cp.Props.SetText(ical.PropUID, "")
	}
	cal.Children = []*ical.Component{cp}
	b, err := encodeCalendar(cal)
	if err != nil {
		return nil
	}
	return b
}

// SortByName orders items deterministically for collection-level etags and
// exports.
func SortByName(items []*Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
}
