package xmlutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRejectsDoctype(t *testing.T) {
	body := []byte(`<?xml version="1.0"?><!DOCTYPE foo [<!ENTITY bar "baz">]><root/>`)
	assert.ErrorIs(t, Check(body), ErrForbidden)
}

func TestCheckRejectsDeepDocuments(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("<a>")
	}
	for i := 0; i < 40; i++ {
		b.WriteString("</a>")
	}
	assert.ErrorIs(t, Check([]byte(b.String())), ErrDocTooDeep)
}

func TestCheckRejectsHugeDocuments(t *testing.T) {
	var b strings.Builder
	b.WriteString("<root>")
	for i := 0; i < 9000; i++ {
		b.WriteString("<x/>")
	}
	b.WriteString("</root>")
	assert.ErrorIs(t, Check([]byte(b.String())), ErrDocTooLarge)
}

func TestCheckAcceptsNormalBody(t *testing.T) {
	body := []byte(`<D:propfind xmlns:D="DAV:"><D:prop><D:getetag/></D:prop></D:propfind>`)
	assert.NoError(t, Check(body))
}

func TestParseEmptyBody(t *testing.T) {
	doc, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestNameRoundTrip(t *testing.T) {
	n := Name{Space: NSDav, Local: "displayname"}
	assert.Equal(t, "D:displayname", n.String())
	assert.Equal(t, n, ParseName("D:displayname"))

	foreign := Name{Space: "urn:example:custom", Local: "thing"}
	assert.Equal(t, "{urn:example:custom}thing", foreign.String())
	assert.Equal(t, foreign, ParseName("{urn:example:custom}thing"))
}

func TestMultistatusSinglePropstatPerStatus(t *testing.T) {
	ms := NewMultistatus()
	resp := ms.Response("/alice/cal/")
	resp.AddProp(http.StatusOK, Name{Space: NSDav, Local: "getetag"}).SetText(`"abc"`)
	resp.AddProp(http.StatusOK, Name{Space: NSDav, Local: "displayname"}).SetText("Calendar")
	resp.AddProp(http.StatusNotFound, Name{Space: NSDav, Local: "nonexistent"})

	b, err := ms.Bytes()
	require.NoError(t, err)
	s := string(b)
	assert.Equal(t, 2, strings.Count(s, "<D:propstat>"))
	assert.Contains(t, s, "HTTP/1.1 200 OK")
	assert.Contains(t, s, "HTTP/1.1 404 Not Found")
	assert.Contains(t, s, "<D:href>/alice/cal/</D:href>")
}

func TestMultistatusWrite(t *testing.T) {
	ms := NewMultistatus()
	ms.Response("/x/").SetStatus(http.StatusNotFound)
	rec := httptest.NewRecorder()
	require.NoError(t, ms.Write(rec))
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Equal(t, "application/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))
}

func TestErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusForbidden, Name{Space: NSDav, Local: "valid-sync-token"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "valid-sync-token")
	assert.Contains(t, rec.Body.String(), "D:error")
}
