package item

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	govcard "github.com/emersion/go-vcard"
)

// Filter tree of calendar-query / addressbook-query REPORT bodies
// (RFC 4791 section 9.7, RFC 6352 section 10.5). The structs double as the
// XML decoding targets for the report handlers.

type CompFilter struct {
	Name         string       `xml:"name,attr"`
	IsNotDefined *struct{}    `xml:"is-not-defined"`
	TimeRange    *TimeRange   `xml:"time-range"`
	CompFilters  []CompFilter `xml:"comp-filter"`
	PropFilters  []PropFilter `xml:"prop-filter"`
}

type PropFilter struct {
	Name         string        `xml:"name,attr"`
	Test         string        `xml:"test,attr"`
	IsNotDefined *struct{}     `xml:"is-not-defined"`
	TimeRange    *TimeRange    `xml:"time-range"`
	TextMatch    *TextMatch    `xml:"text-match"`
	ParamFilters []ParamFilter `xml:"param-filter"`
}

type ParamFilter struct {
	Name         string     `xml:"name,attr"`
	IsNotDefined *struct{}  `xml:"is-not-defined"`
	TextMatch    *TextMatch `xml:"text-match"`
}

type TextMatch struct {
	Collation string `xml:"collation,attr"`
	Negate    string `xml:"negate-condition,attr"`
	MatchType string `xml:"match-type,attr"`
	Value     string `xml:",chardata"`
}

type TimeRange struct {
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}

// Window converts the attribute strings to UTC bounds; absent attributes
// mean unbounded.
func (tr *TimeRange) Window() (start, end time.Time, err error) {
	if tr == nil {
		return time.Time{}, time.Time{}, nil
	}
	if tr.Start != "" {
		start, err = ParseTime(tr.Start)
		if err != nil {
			return
		}
	}
	if tr.End != "" {
		end, err = ParseTime(tr.End)
	}
	return
}

// ParseTime reads the date-time forms used in REPORT attributes: UTC
// date-time, date, or floating date-time (interpreted as UTC).
func ParseTime(s string) (time.Time, error) {
	switch {
	case len(s) == 8:
		return time.ParseInLocation("20060102", s, time.UTC)
	case strings.HasSuffix(s, "Z"):
		return time.Parse("20060102T150405Z", s)
	default:
		return time.ParseInLocation("20060102T150405", s, time.UTC)
	}
}

// MatchCalendar evaluates a calendar-query root comp-filter (normally
// name=VCALENDAR) against a calendar item, bottom-up. maxOccurrences caps
// recurrence expansion for time-range evaluation.
func MatchCalendar(f CompFilter, it *Item, maxOccurrences int) (bool, error) {
	if it.cal == nil {
		return false, nil
	}
	return matchComp(f, it.cal.Component, it, maxOccurrences)
}

func matchComp(f CompFilter, comp *ical.Component, it *Item, max int) (bool, error) {
	if !strings.EqualFold(comp.Name, f.Name) {
		return f.IsNotDefined != nil, nil
	}
	if f.IsNotDefined != nil {
		return false, nil
	}
	if f.TimeRange != nil {
		ok, err := compInTimeRange(f.TimeRange, comp, it, max)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, cf := range f.CompFilters {
		ok, err := matchNestedComp(cf, comp, it, max)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, pf := range f.PropFilters {
		if !matchPropFilter(pf, comp) {
			return false, nil
		}
	}
	return true, nil
}

// matchNestedComp implements the existence rule: a nested comp-filter
// matches iff at least one sub-component of that name satisfies it, or none
// exists and is-not-defined was requested.
func matchNestedComp(f CompFilter, parent *ical.Component, it *Item, max int) (bool, error) {
	found := false
	for _, child := range parent.Children {
		if !strings.EqualFold(child.Name, f.Name) {
			continue
		}
		found = true
		if f.IsNotDefined != nil {
			continue
		}
		ok, err := matchComp(f, child, it, max)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	if !found {
		return f.IsNotDefined != nil, nil
	}
	return false, nil
}

// compInTimeRange evaluates time-range against a component. Content
// components are expanded through the whole item so that RRULEs and
// overridden recurrences are honored.
func compInTimeRange(tr *TimeRange, comp *ical.Component, it *Item, max int) (bool, error) {
	start, end, err := tr.Window()
	if err != nil {
		return false, invalidf("bad time-range: %v", err)
	}
	switch Kind(comp.Name) {
	case KindEvent, KindTodo, KindJournal:
		return Intersects(it, start, end, max)
	}
	// VALARM and friends: match on the parent occurrence is not supported,
	// fall back to non-match.
	return false, nil
}

func matchPropFilter(f PropFilter, comp *ical.Component) bool {
	props := comp.Props.Values(strings.ToUpper(f.Name))
	if len(props) == 0 {
		return f.IsNotDefined != nil
	}
	if f.IsNotDefined != nil {
		return false
	}
	for i := range props {
		if matchPropInstance(f, &props[i]) {
			return true
		}
	}
	return false
}

func matchPropInstance(f PropFilter, p *ical.Prop) bool {
	var results []bool
	if f.TimeRange != nil {
		results = append(results, propInTimeRange(f.TimeRange, p))
	}
	if f.TextMatch != nil {
		results = append(results, f.TextMatch.Matches(p.Value))
	}
	for _, pf := range f.ParamFilters {
		results = append(results, matchParamFilter(pf, p))
	}
	if len(results) == 0 {
		return true
	}
	anyOf := strings.EqualFold(f.Test, "anyof")
	matched := !anyOf
	for _, r := range results {
		if anyOf {
			matched = matched || r
		} else {
			matched = matched && r
		}
	}
	return matched
}

func propInTimeRange(tr *TimeRange, p *ical.Prop) bool {
	start, end, err := tr.Window()
	if err != nil {
		return false
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return false
	}
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && !t.Before(end) {
		return false
	}
	return true
}

func matchParamFilter(f ParamFilter, p *ical.Prop) bool {
	value := p.Params.Get(strings.ToUpper(f.Name))
	if value == "" {
		return f.IsNotDefined != nil
	}
	if f.IsNotDefined != nil {
		return false
	}
	if f.TextMatch != nil {
		return f.TextMatch.Matches(value)
	}
	return true
}

// Matches applies collation, match-type and negation.
func (tm *TextMatch) Matches(value string) bool {
	target, needle := value, tm.Value
	switch strings.ToLower(tm.Collation) {
	case "i;octet":
	case "i;unicode-casemap":
		target, needle = strings.ToLower(target), strings.ToLower(needle)
	default: // i;ascii-casemap
		target, needle = asciiLower(target), asciiLower(needle)
	}
	var ok bool
	switch strings.ToLower(tm.MatchType) {
	case "equals":
		ok = target == needle
	case "starts-with":
		ok = strings.HasPrefix(target, needle)
	case "ends-with":
		ok = strings.HasSuffix(target, needle)
	default: // contains
		ok = strings.Contains(target, needle)
	}
	if strings.EqualFold(tm.Negate, "yes") {
		return !ok
	}
	return ok
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// MatchCard evaluates an addressbook-query filter (prop-filters combined
// with test=anyof|allof) against a card item.
func MatchCard(propFilters []PropFilter, test string, it *Item) bool {
	if it.card == nil {
		return false
	}
	if len(propFilters) == 0 {
		return true
	}
	anyOf := !strings.EqualFold(test, "allof")
	for _, pf := range propFilters {
		ok := matchCardProp(pf, it.card)
		if anyOf && ok {
			return true
		}
		if !anyOf && !ok {
			return false
		}
	}
	return !anyOf
}

func matchCardProp(f PropFilter, card govcard.Card) bool {
	fields := card[strings.ToUpper(f.Name)]
	if len(fields) == 0 {
		return f.IsNotDefined != nil
	}
	if f.IsNotDefined != nil {
		return false
	}
	for _, field := range fields {
		if matchCardField(f, field) {
			return true
		}
	}
	return false
}

func matchCardField(f PropFilter, field *govcard.Field) bool {
	var results []bool
	if f.TextMatch != nil {
		results = append(results, f.TextMatch.Matches(field.Value))
	}
	for _, pf := range f.ParamFilters {
		value := field.Params.Get(strings.ToUpper(pf.Name))
		switch {
		case value == "":
			results = append(results, pf.IsNotDefined != nil)
		case pf.IsNotDefined != nil:
			results = append(results, false)
		case pf.TextMatch != nil:
			results = append(results, pf.TextMatch.Matches(value))
		default:
			results = append(results, true)
		}
	}
	if len(results) == 0 {
		return true
	}
	anyOf := strings.EqualFold(f.Test, "anyof")
	matched := !anyOf
	for _, r := range results {
		if anyOf {
			matched = matched || r
		} else {
			matched = matched && r
		}
	}
	return matched
}
