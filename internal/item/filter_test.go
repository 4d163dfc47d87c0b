package item

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventWithSummary(t *testing.T, summary string) *Item {
	t.Helper()
	return mustParse(t, cal("BEGIN:VEVENT\r\nUID:e\r\nDTSTART:20260301T100000Z\r\nDTEND:20260301T110000Z\r\n"+
		"SUMMARY:"+summary+"\r\nCATEGORIES:WORK\r\nEND:VEVENT\r\n"))
}

func vcalFilter(inner CompFilter) CompFilter {
	return CompFilter{Name: "VCALENDAR", CompFilters: []CompFilter{inner}}
}

func TestMatchCalendarByComponentName(t *testing.T) {
	it := eventWithSummary(t, "Standup")
	ok, err := MatchCalendar(vcalFilter(CompFilter{Name: "VEVENT"}), it, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchCalendar(vcalFilter(CompFilter{Name: "VTODO"}), it, 100)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = MatchCalendar(vcalFilter(CompFilter{Name: "VTODO", IsNotDefined: &struct{}{}}), it, 100)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchCalendarTimeRange(t *testing.T) {
	it := eventWithSummary(t, "Standup")
	in := vcalFilter(CompFilter{Name: "VEVENT", TimeRange: &TimeRange{Start: "20260301T000000Z", End: "20260302T000000Z"}})
	out := vcalFilter(CompFilter{Name: "VEVENT", TimeRange: &TimeRange{Start: "20260401T000000Z", End: "20260402T000000Z"}})

	ok, err := MatchCalendar(in, it, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchCalendar(out, it, 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchCalendarPropTextMatch(t *testing.T) {
	it := eventWithSummary(t, "Quarterly Review")
	match := vcalFilter(CompFilter{Name: "VEVENT", PropFilters: []PropFilter{
		{Name: "SUMMARY", TextMatch: &TextMatch{Value: "quarterly"}},
	}})
	ok, err := MatchCalendar(match, it, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	negated := vcalFilter(CompFilter{Name: "VEVENT", PropFilters: []PropFilter{
		{Name: "SUMMARY", TextMatch: &TextMatch{Value: "quarterly", Negate: "yes"}},
	}})
	ok, err = MatchCalendar(negated, it, 100)
	require.NoError(t, err)
	assert.False(t, ok)

	missing := vcalFilter(CompFilter{Name: "VEVENT", PropFilters: []PropFilter{
		{Name: "LOCATION", IsNotDefined: &struct{}{}},
	}})
	ok, err = MatchCalendar(missing, it, 100)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTextMatchTypes(t *testing.T) {
	assert.True(t, (&TextMatch{Value: "rev", MatchType: "starts-with"}).Matches("Review"))
	assert.False(t, (&TextMatch{Value: "rev", MatchType: "ends-with"}).Matches("Review"))
	assert.True(t, (&TextMatch{Value: "Review", MatchType: "equals"}).Matches("review"))
	assert.False(t, (&TextMatch{Value: "Review", MatchType: "equals", Collation: "i;octet"}).Matches("review"))
}

func TestMatchCard(t *testing.T) {
	it := mustParse(t,
		"BEGIN:VCARD\r\nVERSION:3.0\r\nUID:c\r\nFN:Erika Mustermann\r\n"+
			"EMAIL;TYPE=WORK:erika@example.org\r\nEND:VCARD\r\n")

	ok := MatchCard([]PropFilter{{Name: "FN", TextMatch: &TextMatch{Value: "erika"}}}, "anyof", it)
	assert.True(t, ok)

	ok = MatchCard([]PropFilter{{Name: "NICKNAME"}}, "anyof", it)
	assert.False(t, ok)

	ok = MatchCard([]PropFilter{{Name: "NICKNAME", IsNotDefined: &struct{}{}}}, "anyof", it)
	assert.True(t, ok)

	// allof requires every filter to hold.
	ok = MatchCard([]PropFilter{
		{Name: "FN", TextMatch: &TextMatch{Value: "erika"}},
		{Name: "NICKNAME"},
	}, "allof", it)
	assert.False(t, ok)

	ok = MatchCard([]PropFilter{{
		Name: "EMAIL",
		ParamFilters: []ParamFilter{{Name: "TYPE", TextMatch: &TextMatch{Value: "work"}}},
	}}, "anyof", it)
	assert.True(t, ok)
}
