package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filedav/filedav/internal/auth"
	"github.com/filedav/filedav/internal/config"
	"github.com/filedav/filedav/internal/rights"
	"github.com/filedav/filedav/internal/storage/multifilesystem"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.FilesystemFolder = t.TempDir()
	cfg.Storage.FilesystemFsync = false
	if mutate != nil {
		mutate(cfg)
	}
	store, err := multifilesystem.New(cfg.Storage, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	r, err := rights.New(cfg.Rights, zerolog.Nop())
	require.NoError(t, err)
	a, err := auth.New(cfg.Auth, zerolog.Nop())
	require.NoError(t, err)
	return New(cfg, zerolog.Nop(), store, r, a)
}

// do sends a request as the user alice unless anonymous requests are wanted.
func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if _, ok := headers["Anonymous"]; !ok {
		req.SetBasicAuth("alice", "secret")
	}
	for k, v := range headers {
		if k == "Anonymous" {
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

const eventA = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:uid-a\r\nDTSTART:20260301T100000Z\r\nDTEND:20260301T110000Z\r\n" +
	"SUMMARY:Event A\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

const eventB = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:uid-b\r\nDTSTART:20260401T100000Z\r\nDTEND:20260401T110000Z\r\n" +
	"SUMMARY:Event B\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func makeCalendarWithEvent(t *testing.T, s *Server) {
	t.Helper()
	rec := do(s, "MKCALENDAR", "/alice/cal/", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(s, http.MethodPut, "/alice/cal/a.ics", eventA, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestOptions(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodOptions, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("DAV"), "calendar-access")
	assert.Contains(t, rec.Header().Get("DAV"), "addressbook")
	assert.Contains(t, rec.Header().Get("Allow"), "PROPFIND")
}

func TestWellKnownRedirect(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/.well-known/caldav", "", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestGetRoot(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "filedav works")
}

func TestPutAndGetItem(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)

	rec := do(s, http.MethodGet, "/alice/cal/a.ics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "UID:uid-a")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	// Updating yields 204 and a new etag.
	rec = do(s, http.MethodPut, "/alice/cal/a.ics", eventA, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetCollectionConcatenation(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	rec := do(s, "PROPPATCH", "/alice/cal/",
		`<D:propertyupdate xmlns:D="DAV:"><D:set><D:prop><D:displayname>Team</D:displayname></D:prop></D:set></D:propertyupdate>`, nil)
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	rec = do(s, http.MethodGet, "/alice/cal/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "UID:uid-a")
	assert.Contains(t, body, "X-WR-CALNAME:Team")
}

func TestPutPreconditions(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)

	rec := do(s, http.MethodPut, "/alice/cal/a.ics", eventA, map[string]string{"If-None-Match": "*"})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = do(s, http.MethodPut, "/alice/cal/a.ics", eventA, map[string]string{"If-Match": `"wrong"`})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = do(s, http.MethodPut, "/alice/cal/new.ics", eventB, map[string]string{"If-Match": "*"})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code, "If-Match against a missing item")
}

func TestPutWrongKind(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, "MKCOL", "/alice/book/",
		`<D:mkcol xmlns:D="DAV:" xmlns:CR="urn:ietf:params:xml:ns:carddav"><D:set><D:prop><D:resourcetype><D:collection/><CR:addressbook/></D:resourcetype></D:prop></D:set></D:mkcol>`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(s, http.MethodPut, "/alice/book/a.ics", eventA, nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestWholeCalendarUpload(t *testing.T) {
	s := newTestServer(t, nil)
	stream := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:one\r\nDTSTART:20260301T100000Z\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:two\r\nDTSTART:20260302T100000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	rec := do(s, http.MethodPut, "/alice/imported/", stream, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(s, http.MethodGet, "/alice/imported/one.ics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(s, http.MethodGet, "/alice/imported/two.ics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWholeCalendarUploadDuplicateUID(t *testing.T) {
	s := newTestServer(t, nil)
	stream := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:dup\r\nDTSTART:20260301T100000Z\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:dup\r\nDTSTART:20260302T100000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	rec := do(s, http.MethodPut, "/alice/imported/", stream, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	// The rejected upload must not leave a collection behind.
	rec = do(s, "PROPFIND", "/alice/imported/",
		`<D:propfind xmlns:D="DAV:"><D:prop><D:getetag/></D:prop></D:propfind>`,
		map[string]string{"Depth": "0"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplaceCollectionRejectedUploadKeepsItems(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	stream := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:dup\r\nDTSTART:20260301T100000Z\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:dup\r\nDTSTART:20260302T100000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	rec := do(s, http.MethodPut, "/alice/cal/", stream, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	// Existing items survive the rejected upload.
	rec = do(s, http.MethodGet, "/alice/cal/a.ics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPropfind(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	body := `<D:propfind xmlns:D="DAV:"><D:prop><D:resourcetype/><D:getetag/><D:displayname/></D:prop></D:propfind>`

	rec := do(s, "PROPFIND", "/alice/cal/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	s0 := rec.Body.String()
	assert.Contains(t, s0, "<C:calendar")
	assert.Contains(t, s0, "<D:collection")
	assert.NotContains(t, s0, "a.ics")

	rec = do(s, "PROPFIND", "/alice/cal/", body, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	s1 := rec.Body.String()
	assert.Contains(t, s1, "/alice/cal/a.ics")
}

func TestPropfindCurrentUserPrincipal(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, "PROPFIND", "/",
		`<D:propfind xmlns:D="DAV:"><D:prop><D:current-user-principal/></D:prop></D:propfind>`,
		map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "/alice/")
}

func TestProppatchProtectedProp(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	rec := do(s, "PROPPATCH", "/alice/cal/",
		`<D:propertyupdate xmlns:D="DAV:"><D:set><D:prop><D:getetag>x</D:getetag></D:prop></D:set></D:propertyupdate>`, nil)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "403")
}

func TestCalendarQueryReport(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	rec := do(s, http.MethodPut, "/alice/cal/b.ics", eventB, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	query := `<C:calendar-query xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:D="DAV:">` +
		`<D:prop><D:getetag/><C:calendar-data/></D:prop>` +
		`<C:filter><C:comp-filter name="VCALENDAR"><C:comp-filter name="VEVENT">` +
		`<C:time-range start="20260301T000000Z" end="20260302T000000Z"/>` +
		`</C:comp-filter></C:comp-filter></C:filter></C:calendar-query>`
	rec = do(s, "REPORT", "/alice/cal/", query, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, "/alice/cal/a.ics")
	assert.NotContains(t, body, "/alice/cal/b.ics")
	assert.Contains(t, body, "UID:uid-a")
}

func TestCalendarQueryOccurrenceLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Storage.MaxOccurrences = 5
	})
	rec := do(s, "MKCALENDAR", "/alice/cal/", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	recurring := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:uid-r\r\nDTSTART:20260301T100000Z\r\nDTEND:20260301T110000Z\r\n" +
		"RRULE:FREQ=DAILY\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	rec = do(s, http.MethodPut, "/alice/cal/r.ics", recurring, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	query := `<C:calendar-query xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:D="DAV:">` +
		`<D:prop><D:getetag/></D:prop>` +
		`<C:filter><C:comp-filter name="VCALENDAR"><C:comp-filter name="VEVENT">` +
		`<C:time-range start="20260301T000000Z" end="20270301T000000Z"/>` +
		`</C:comp-filter></C:comp-filter></C:filter></C:calendar-query>`
	rec = do(s, "REPORT", "/alice/cal/", query, map[string]string{"Depth": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "max-resource-size")
}

func TestMultigetMissingHref(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	report := `<C:calendar-multiget xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:D="DAV:">` +
		`<D:prop><D:getetag/></D:prop>` +
		`<D:href>/alice/cal/a.ics</D:href>` +
		`<D:href>/alice/cal/missing.ics</D:href>` +
		`</C:calendar-multiget>`
	rec := do(s, "REPORT", "/alice/cal/", report, nil)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "/alice/cal/a.ics")
	assert.Contains(t, body, "/alice/cal/missing.ics")
	assert.Contains(t, body, "404")
}

func TestMultigetHrefOutsideCollection(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	rec := do(s, "MKCALENDAR", "/alice/other/", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(s, http.MethodPut, "/alice/other/b.ics", eventB, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	report := `<C:calendar-multiget xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:D="DAV:">` +
		`<D:prop><D:getetag/><C:calendar-data/></D:prop>` +
		`<D:href>/alice/other/b.ics</D:href>` +
		`</C:calendar-multiget>`
	rec = do(s, "REPORT", "/alice/cal/", report, nil)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "404")
	assert.NotContains(t, body, "UID:uid-b")
}

func extractSyncToken(t *testing.T, body string) string {
	t.Helper()
	start := strings.Index(body, "http://radicale.org/ns/sync/")
	require.GreaterOrEqual(t, start, 0, "no sync token in %s", body)
	end := strings.IndexByte(body[start:], '<')
	require.Greater(t, end, 0)
	return body[start : start+end]
}

func TestSyncCollection(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)

	initial := `<D:sync-collection xmlns:D="DAV:"><D:sync-token/><D:sync-level>1</D:sync-level>` +
		`<D:prop><D:getetag/></D:prop></D:sync-collection>`
	rec := do(s, "REPORT", "/alice/cal/", initial, nil)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "/alice/cal/a.ics")
	token := extractSyncToken(t, rec.Body.String())

	rec = do(s, http.MethodPut, "/alice/cal/b.ics", eventB, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	delta := `<D:sync-collection xmlns:D="DAV:"><D:sync-token>` + token + `</D:sync-token>` +
		`<D:sync-level>1</D:sync-level><D:prop><D:getetag/></D:prop></D:sync-collection>`
	rec = do(s, "REPORT", "/alice/cal/", delta, nil)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "/alice/cal/b.ics")
	assert.NotContains(t, body, "/alice/cal/a.ics")
	assert.NotEqual(t, token, extractSyncToken(t, body))
}

func TestSyncCollectionUnknownToken(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	report := `<D:sync-collection xmlns:D="DAV:">` +
		`<D:sync-token>http://radicale.org/ns/sync/deadbeef</D:sync-token>` +
		`<D:sync-level>1</D:sync-level><D:prop><D:getetag/></D:prop></D:sync-collection>`
	rec := do(s, "REPORT", "/alice/cal/", report, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "valid-sync-token")
}

func TestDelete(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)

	rec := do(s, http.MethodDelete, "/alice/cal/a.ics", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(s, http.MethodDelete, "/alice/cal/a.ics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodDelete, "/alice/cal/", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(s, http.MethodGet, "/alice/cal/a.ics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteCollectionForbiddenByConfig(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Rights.PermitDeleteCollection = false
	})
	makeCalendarWithEvent(t, s)
	rec := do(s, http.MethodDelete, "/alice/cal/", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	// Items can still be deleted.
	rec = do(s, http.MethodDelete, "/alice/cal/a.ics", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMove(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	rec := do(s, "MKCALENDAR", "/alice/other/", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(s, http.MethodPut, "/alice/other/b.ics", eventB, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(s, "MOVE", "/alice/cal/a.ics", "", map[string]string{
		"Destination": "http://localhost:5232/alice/other/b.ics",
		"Overwrite":   "F",
	})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = do(s, "MOVE", "/alice/cal/a.ics", "", map[string]string{
		"Destination": "http://localhost:5232/alice/other/moved.ics",
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(s, http.MethodGet, "/alice/other/moved.ics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(s, http.MethodGet, "/alice/cal/a.ics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMaxContentLength(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxContentLength = 16
	})
	rec := do(s, "MKCALENDAR", "/alice/cal/", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(s, http.MethodPut, "/alice/cal/a.ics", eventA, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAnonymousDenied(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	rec := do(s, "PROPFIND", "/alice/cal/",
		`<D:propfind xmlns:D="DAV:"><D:prop><D:getetag/></D:prop></D:propfind>`,
		map[string]string{"Anonymous": "1", "Depth": "0"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestOtherUserDenied(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	req := httptest.NewRequest("PROPFIND", "/alice/cal/",
		strings.NewReader(`<D:propfind xmlns:D="DAV:"><D:prop><D:getetag/></D:prop></D:propfind>`))
	req.SetBasicAuth("mallory", "secret")
	req.Header.Set("Depth", "0")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOtherUserCannotProbeExistence(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	for _, p := range []string{"/alice/cal/a.ics", "/alice/nope/x.ics"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		req.SetBasicAuth("mallory", "secret")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		// Missing and existing paths must be indistinguishable.
		assert.Equal(t, http.StatusForbidden, rec.Code, p)
	}
}

func TestBasePath(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.BasePath = "/dav"
	})
	rec := do(s, http.MethodGet, "/dav/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/elsewhere/", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, "MKCALENDAR", "/dav/alice/cal/", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(s, "PROPFIND", "/dav/alice/cal/",
		`<D:propfind xmlns:D="DAV:"><D:prop><D:getetag/></D:prop></D:propfind>`,
		map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "<D:href>/dav/alice/cal/</D:href>")
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, "BREW", "/", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Allow"))
}

func TestFreeBusyReport(t *testing.T) {
	s := newTestServer(t, nil)
	makeCalendarWithEvent(t, s)
	report := `<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav">` +
		`<C:time-range start="20260301T000000Z" end="20260302T000000Z"/></C:free-busy-query>`
	rec := do(s, "REPORT", "/alice/cal/", report, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, "VFREEBUSY")
	assert.Contains(t, body, "FREEBUSY")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
}
