package item

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// ErrTooManyOccurrences reports that recurrence expansion exceeded the
// configured occurrence budget.
var ErrTooManyOccurrences = errors.New("too many recurrence occurrences")

// Occurrence is one concrete instance of a calendar component.
type Occurrence struct {
	Start      time.Time
	End        time.Time
	Comp       *ical.Component
	Overridden bool
}

// Interval is a half-open busy period [S, E).
type Interval struct{ S, E time.Time }

// Expand materializes the instances of a calendar item intersecting
// [start, end). Overridden recurrences (RECURRENCE-ID) replace the expanded
// instance they override. A zero start or end means unbounded on that side.
// max caps the number of generated occurrences; 0 means no cap.
func Expand(it *Item, start, end time.Time, max int) ([]Occurrence, error) {
	if it.cal == nil {
		return nil, fmt.Errorf("not a calendar item")
	}
	master, overrides := splitRecurrences(it.cal)
	if master == nil {
		// Orphaned overrides: treat each as a plain instance.
		var occs []Occurrence
		for _, ov := range overrides {
			occ, err := singleOccurrence(ov)
			if err != nil {
				continue
			}
			occ.Overridden = true
			if intersects(occ, start, end) {
				occs = append(occs, occ)
			}
		}
		return occs, nil
	}

	mStart, err := compStart(master)
	if err != nil {
		return nil, err
	}
	duration := compDuration(master, mStart)

	set, err := recurrenceSet(master, mStart)
	if err != nil {
		return nil, err
	}
	if set == nil {
		occ := Occurrence{Start: mStart, End: mStart.Add(duration), Comp: master}
		var occs []Occurrence
		if intersects(occ, start, end) {
			occs = append(occs, occ)
		}
		occs = appendOverrides(occs, overrides, start, end)
		return occs, nil
	}

	overridden := make(map[int64]bool, len(overrides))
	for rid := range overrides {
		overridden[rid] = true
	}

	var occs []Occurrence
	count := 0
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok {
			break
		}
		count++
		if max > 0 && count > max {
			return nil, ErrTooManyOccurrences
		}
		occ := Occurrence{Start: t, End: t.Add(duration), Comp: master}
		if !end.IsZero() && !occ.Start.Before(end) {
			break
		}
		if overridden[t.UTC().Unix()] {
			continue
		}
		if intersects(occ, start, end) {
			occs = append(occs, occ)
		}
	}
	occs = appendOverrides(occs, overrides, start, end)
	return occs, nil
}

// Intersects reports whether any instance of the item intersects
// [start, end).
func Intersects(it *Item, start, end time.Time, max int) (bool, error) {
	occs, err := Expand(it, start, end, max)
	if err != nil {
		return false, err
	}
	return len(occs) > 0, nil
}

func appendOverrides(occs []Occurrence, overrides map[int64]*ical.Component, start, end time.Time) []Occurrence {
	for _, ov := range overrides {
		occ, err := singleOccurrence(ov)
		if err != nil {
			continue
		}
		occ.Overridden = true
		if intersects(occ, start, end) {
			occs = append(occs, occ)
		}
	}
	return occs
}

func intersects(occ Occurrence, start, end time.Time) bool {
	if !end.IsZero() && !occ.Start.Before(end) {
		return false
	}
	if !start.IsZero() {
		if occ.End.Equal(occ.Start) {
			// Zero-duration instances match when the start is inside the
			// range (RFC 4791 section 9.9).
			return !occ.Start.Before(start)
		}
		return occ.End.After(start)
	}
	return true
}

// splitRecurrences separates the master component from RECURRENCE-ID
// overrides, keyed by the overridden instance's UTC unix time.
func splitRecurrences(cal *ical.Calendar) (*ical.Component, map[int64]*ical.Component) {
	overrides := make(map[int64]*ical.Component)
	var master *ical.Component
	for _, comp := range contentComponents(cal) {
		rid := comp.Props.Get(ical.PropRecurrenceID)
		if rid == nil {
			master = comp
			continue
		}
		if t, err := rid.DateTime(time.UTC); err == nil {
			overrides[t.UTC().Unix()] = comp
		}
	}
	return master, overrides
}

func singleOccurrence(comp *ical.Component) (Occurrence, error) {
	start, err := compStart(comp)
	if err != nil {
		return Occurrence{}, err
	}
	return Occurrence{Start: start, End: start.Add(compDuration(comp, start)), Comp: comp}, nil
}

func compStart(comp *ical.Component) (time.Time, error) {
	for _, name := range []string{ical.PropDateTimeStart, ical.PropDue, ical.PropCompleted} {
		if p := comp.Props.Get(name); p != nil {
			t, err := p.DateTime(time.UTC)
			if err != nil {
				return time.Time{}, invalidf("bad %s: %v", name, err)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("component %s has no start", comp.Name)
}

func compDuration(comp *ical.Component, start time.Time) time.Duration {
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			return t.Sub(start)
		}
	}
	if comp.Name == ical.CompToDo {
		if p := comp.Props.Get(ical.PropDue); p != nil {
			if t, err := p.DateTime(time.UTC); err == nil && t.After(start) {
				return t.Sub(start)
			}
		}
	}
	if p := comp.Props.Get(ical.PropDuration); p != nil {
		if d, err := parseDuration(p.Value); err == nil {
			return d
		}
	}
	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil && len(p.Value) == 8 {
		// All-day instances span a full day.
		return 24 * time.Hour
	}
	return 0
}

// recurrenceSet builds the RRULE/RDATE/EXDATE set of a component, or nil
// when the component does not recur.
func recurrenceSet(comp *ical.Component, dtstart time.Time) (*rrule.Set, error) {
	rruleProp := comp.Props.Get(ical.PropRecurrenceRule)
	rdates := comp.Props.Values(ical.PropRecurrenceDates)
	if rruleProp == nil && len(rdates) == 0 {
		return nil, nil
	}

	set := &rrule.Set{}
	set.DTStart(dtstart.UTC())
	if rruleProp != nil {
		r, err := rrule.StrToRRule("DTSTART:" + dtstart.UTC().Format("20060102T150405Z") + "\nRRULE:" + rruleProp.Value)
		if err != nil {
			return nil, invalidf("bad RRULE: %v", err)
		}
		set.RRule(r)
	} else {
		// RDATE-only recurrence still includes DTSTART.
		set.RDate(dtstart.UTC())
	}
	for _, p := range rdates {
		for _, t := range parseDateList(p) {
			set.RDate(t.UTC())
		}
	}
	for _, p := range comp.Props.Values(ical.PropExceptionDates) {
		for _, t := range parseDateList(p) {
			set.ExDate(t.UTC())
		}
	}
	return set, nil
}

func parseDateList(p ical.Prop) []time.Time {
	var out []time.Time
	for _, v := range strings.Split(p.Value, ",") {
		single := p
		single.Value = strings.TrimSpace(v)
		if t, err := single.DateTime(time.UTC); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// parseDuration handles the RFC 5545 duration grammar ("P1DT2H30M", "-PT5M").
func parseDuration(s string) (time.Duration, error) {
	orig := s
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "+")
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("bad duration %q", orig)
	}
	s = s[1:]
	var d time.Duration
	inTime := false
	num := 0
	hasNum := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			hasNum = true
		case r == 'T':
			inTime = true
		case r == 'W':
			d += time.Duration(num) * 7 * 24 * time.Hour
			num, hasNum = 0, false
		case r == 'D':
			d += time.Duration(num) * 24 * time.Hour
			num, hasNum = 0, false
		case r == 'H' && inTime:
			d += time.Duration(num) * time.Hour
			num, hasNum = 0, false
		case r == 'M' && inTime:
			d += time.Duration(num) * time.Minute
			num, hasNum = 0, false
		case r == 'S' && inTime:
			d += time.Duration(num) * time.Second
			num, hasNum = 0, false
		default:
			return 0, fmt.Errorf("bad duration %q", orig)
		}
	}
	if hasNum {
		return 0, fmt.Errorf("bad duration %q", orig)
	}
	if neg {
		d = -d
	}
	return d, nil
}

// MergeIntervals sorts and coalesces overlapping busy intervals.
func MergeIntervals(in []Interval) []Interval {
	if len(in) <= 1 {
		return in
	}
	for i := 1; i < len(in); i++ {
		j := i
		for j > 0 && in[j-1].S.After(in[j].S) {
			in[j-1], in[j] = in[j], in[j-1]
			j--
		}
	}
	out := []Interval{in[0]}
	for i := 1; i < len(in); i++ {
		last := &out[len(out)-1]
		if in[i].S.After(last.E) {
			out = append(out, in[i])
		} else if in[i].E.After(last.E) {
			last.E = in[i].E
		}
	}
	return out
}

// BusyIntervals collects the busy periods of an event item within
// [start, end). Transparent and cancelled events contribute nothing.
func BusyIntervals(it *Item, start, end time.Time, max int) ([]Interval, error) {
	if it.Kind != KindEvent {
		return nil, nil
	}
	occs, err := Expand(it, start, end, max)
	if err != nil {
		return nil, err
	}
	var out []Interval
	for _, occ := range occs {
		if transparent(occ.Comp) {
			continue
		}
		s, e := occ.Start, occ.End
		if !start.IsZero() && s.Before(start) {
			s = start
		}
		if !end.IsZero() && e.After(end) {
			e = end
		}
		if e.After(s) {
			out = append(out, Interval{S: s, E: e})
		}
	}
	return MergeIntervals(out), nil
}

func transparent(comp *ical.Component) bool {
	if p := comp.Props.Get(ical.PropTransparency); p != nil && strings.EqualFold(p.Value, "TRANSPARENT") {
		return true
	}
	if p := comp.Props.Get(ical.PropStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		return true
	}
	return false
}

// BuildFreeBusy assembles a single VFREEBUSY calendar from merged busy
// intervals.
func BuildFreeBusy(start, end time.Time, busy []Interval) []byte {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, ProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	fb := &ical.Component{Name: ical.CompFreeBusy, Props: ical.Props{}}
	fb.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	if !start.IsZero() {
		fb.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	}
	if !end.IsZero() {
		fb.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	}
	var periods []string
	for _, iv := range busy {
		prop := ical.NewProp(ical.PropFreeBusy)
		prop.Params.Set("FBTYPE", "BUSY")
		prop.Value = iv.S.UTC().Format("20060102T150405Z") + "/" + iv.E.UTC().Format("20060102T150405Z")
		fb.Props.Add(prop)
		periods = append(periods, prop.Value)
	}
	fb.Props.SetText(ical.PropUID, SyntheticUID([]byte(strings.Join(periods, ","))))
	cal.Children = []*ical.Component{fb}
	b, _ := encodeCalendar(cal)
	return b
}

// ExpandedCalendar builds the response payload for an expand request: a
// VCALENDAR whose children are the concrete VEVENT instances, each with
// UTC times and a RECURRENCE-ID, stripped of recurrence rules.
func ExpandedCalendar(it *Item, occs []Occurrence) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, ProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	recurring := len(occs) > 1
	if !recurring && len(occs) == 1 {
		recurring = occs[0].Comp.Props.Get(ical.PropRecurrenceRule) != nil ||
			occs[0].Comp.Props.Get(ical.PropRecurrenceID) != nil
	}
	for _, occ := range occs {
		if Kind(occ.Comp.Name) != KindEvent {
			continue
		}
		inst := &ical.Component{Name: occ.Comp.Name, Props: ical.Props{}}
		for name, props := range occ.Comp.Props {
			switch name {
			case ical.PropRecurrenceRule, ical.PropRecurrenceDates,
				ical.PropExceptionDates, ical.PropRecurrenceID,
				ical.PropDateTimeStart, ical.PropDateTimeEnd,
				ical.PropDuration:
				continue
			}
			for _, p := range props {
				cp := p
				inst.Props.Add(&cp)
			}
		}
		inst.Props.SetDateTime(ical.PropDateTimeStart, occ.Start.UTC())
		if occ.End.After(occ.Start) {
			inst.Props.SetDateTime(ical.PropDateTimeEnd, occ.End.UTC())
		}
		if recurring {
			rid := ical.NewProp(ical.PropRecurrenceID)
			rid.SetDateTime(occ.Start.UTC())
			inst.Props.Set(rid)
		}
		cal.Children = append(cal.Children, inst)
	}
	if len(cal.Children) == 0 {
		// An empty VCALENDAR does not encode; ship a bare skeleton.
		return []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:" + ProdID + "\r\nEND:VCALENDAR\r\n"), nil
	}
	return encodeCalendar(cal)
}
