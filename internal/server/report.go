package server

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/metrics"
	"github.com/filedav/filedav/internal/storage"
	"github.com/filedav/filedav/internal/xmlutil"
)

func (s *Server) handleReport(w http.ResponseWriter, rq *request) {
	if err := xmlutil.Check(rq.body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	root, ok := rootName(rq.body)
	if !ok {
		http.Error(w, "malformed XML body", http.StatusBadRequest)
		return
	}
	if !s.checkAccess(w, rq, rq.path, "Rr") {
		return
	}
	tgt, err := s.resolve(rq.path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	letter := "R"
	if tgt.col.Leaf() {
		letter = "r"
	}
	if !s.checkAccess(w, rq, tgt.path(), letter) {
		return
	}

	switch {
	case root.Space == xmlutil.NSCalDAV && root.Local == "calendar-query":
		s.reportCalendarQuery(w, rq, tgt)
	case root.Space == xmlutil.NSCalDAV && root.Local == "calendar-multiget":
		var body calendarMultigetBody
		if decodeBody(w, rq.body, &body) {
			s.reportMultiget(w, rq, tgt, body.Hrefs, body.Prop)
		}
	case root.Space == xmlutil.NSCardDAV && root.Local == "addressbook-query":
		s.reportAddressbookQuery(w, rq, tgt)
	case root.Space == xmlutil.NSCardDAV && root.Local == "addressbook-multiget":
		var body addressbookMultigetBody
		if decodeBody(w, rq.body, &body) {
			s.reportMultiget(w, rq, tgt, body.Hrefs, body.Prop)
		}
	case root.Space == xmlutil.NSCalDAV && root.Local == "free-busy-query":
		s.reportFreeBusy(w, rq, tgt)
	case root.Space == xmlutil.NSDav && root.Local == "sync-collection":
		s.reportSyncCollection(w, rq, tgt)
	case root.Space == xmlutil.NSDav && root.Local == "expand-property":
		s.reportExpandProperty(w, rq, tgt)
	default:
		xmlutil.Error(w, http.StatusForbidden,
			xmlutil.Name{Space: xmlutil.NSDav, Local: "supported-report"})
	}
}

func rootName(body []byte) (xmlutil.Name, bool) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return xmlutil.Name{}, false
		}
		if se, ok := tok.(xml.StartElement); ok {
			return xmlutil.Name{Space: se.Name.Space, Local: se.Name.Local}, true
		}
	}
}

func (s *Server) reportCalendarQuery(w http.ResponseWriter, rq *request, tgt *target) {
	var body calendarQueryBody
	if !decodeBody(w, rq.body, &body) {
		return
	}
	if tgt.isItem() || tgt.col.Tag != item.TagCalendar {
		http.Error(w, "calendar-query targets a calendar", http.StatusForbidden)
		return
	}
	expand := calendarDataExpand(body.Prop)
	refs, err := s.store.ListItems(tgt.col.Path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	ms := xmlutil.NewMultistatus()
	for _, ref := range refs {
		it, err := s.store.GetItem(tgt.col.Path, ref.Name)
		if err != nil {
			continue
		}
		matched := len(body.Filter.CompFilters) == 0
		for _, f := range body.Filter.CompFilters {
			ok, err := item.MatchCalendar(f, it, s.cfg.Storage.MaxOccurrences)
			if err != nil {
				s.reportItemError(w, err)
				return
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if err := s.respondItem(ms, rq, &resource{col: tgt.col, it: it}, body.Prop, expand); err != nil {
			s.reportItemError(w, err)
			return
		}
	}
	_ = ms.Write(w)
}

func (s *Server) reportAddressbookQuery(w http.ResponseWriter, rq *request, tgt *target) {
	var body addressbookQueryBody
	if !decodeBody(w, rq.body, &body) {
		return
	}
	if tgt.isItem() || tgt.col.Tag != item.TagAddressBook {
		http.Error(w, "addressbook-query targets an address book", http.StatusForbidden)
		return
	}
	refs, err := s.store.ListItems(tgt.col.Path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	ms := xmlutil.NewMultistatus()
	for _, ref := range refs {
		it, err := s.store.GetItem(tgt.col.Path, ref.Name)
		if err != nil {
			continue
		}
		if !item.MatchCard(body.Filter.PropFilters, body.Filter.Test, it) {
			continue
		}
		_ = s.respondItem(ms, rq, &resource{col: tgt.col, it: it}, body.Prop, nil)
	}
	_ = ms.Write(w)
}

// reportMultiget serves calendar-multiget and addressbook-multiget: one
// response per requested href, 404 responses for missing ones. Hrefs
// outside the request target are answered 404 without being resolved.
func (s *Server) reportMultiget(w http.ResponseWriter, rq *request, tgt *target, hrefs []string, prop *propContainer) {
	scope := tgt.col.Path
	ms := xmlutil.NewMultistatus()
	for _, href := range hrefs {
		p := href
		if rq.base != "" {
			if rest, ok := strings.CutPrefix(p, rq.base); ok {
				p = rest
			}
		}
		p = sanitizeURLPath(p)
		if scope != "" && p != scope && !strings.HasPrefix(p, scope+"/") {
			ms.Response(href).SetStatus(http.StatusNotFound)
			continue
		}
		parent, name := path.Dir(p), path.Base(p)
		if parent == "." {
			parent = ""
		}
		col, err := s.store.GetCollection(parent)
		if err != nil || !col.Leaf() {
			ms.Response(href).SetStatus(http.StatusNotFound)
			continue
		}
		it, err := s.store.GetItem(parent, name)
		if err != nil {
			ms.Response(href).SetStatus(http.StatusNotFound)
			continue
		}
		_ = s.respondItem(ms, rq, &resource{col: col, it: it}, prop, nil)
	}
	_ = ms.Write(w)
}

func (s *Server) reportFreeBusy(w http.ResponseWriter, rq *request, tgt *target) {
	var body freeBusyQueryBody
	if !decodeBody(w, rq.body, &body) {
		return
	}
	if tgt.isItem() || tgt.col.Tag != item.TagCalendar || body.TimeRange == nil {
		http.Error(w, "free-busy-query needs a calendar and a time range", http.StatusBadRequest)
		return
	}
	start, end, err := body.TimeRange.Window()
	if err != nil {
		http.Error(w, "bad time-range", http.StatusBadRequest)
		return
	}
	refs, err := s.store.ListItems(tgt.col.Path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	var intervals []item.Interval
	for _, ref := range refs {
		if ref.Kind != item.KindEvent {
			continue
		}
		it, err := s.store.GetItem(tgt.col.Path, ref.Name)
		if err != nil {
			continue
		}
		busy, err := item.BusyIntervals(it, start, end, s.cfg.Storage.MaxFreeBusyOccurrences)
		if err != nil {
			if errors.Is(err, item.ErrTooManyOccurrences) {
				s.reportItemError(w, err)
				return
			}
			continue
		}
		intervals = append(intervals, busy...)
	}
	payload := item.BuildFreeBusy(start, end, item.MergeIntervals(intervals))
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Length", contentLength(len(payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) reportSyncCollection(w http.ResponseWriter, rq *request, tgt *target) {
	var body syncCollectionBody
	if !decodeBody(w, rq.body, &body) {
		return
	}
	if tgt.isItem() || !tgt.col.Leaf() {
		http.Error(w, "sync-collection targets a calendar or address book", http.StatusForbidden)
		return
	}
	changed, removed, token, err := s.store.Changes(tgt.col.Path, strings.TrimSpace(body.SyncToken))
	if err != nil {
		if errors.Is(err, storage.ErrSyncTokenUnknown) {
			metrics.SyncTokenMisses.Inc()
			xmlutil.Error(w, http.StatusForbidden,
				xmlutil.Name{Space: xmlutil.NSDav, Local: "valid-sync-token"})
			return
		}
		s.storageError(w, err)
		return
	}
	ms := xmlutil.NewMultistatus()
	for _, name := range changed {
		it, err := s.store.GetItem(tgt.col.Path, name)
		if err != nil {
			continue
		}
		_ = s.respondItem(ms, rq, &resource{col: tgt.col, it: it}, body.Prop, nil)
	}
	for _, name := range removed {
		ms.Response(rq.href(path.Join(tgt.col.Path, name), false)).
			SetStatus(http.StatusNotFound)
	}
	ms.SetSyncToken(token)
	_ = ms.Write(w)
}

// reportExpandProperty answers like a depth-zero PROPFIND for the named
// properties; href targets are not chased.
func (s *Server) reportExpandProperty(w http.ResponseWriter, rq *request, tgt *target) {
	var body expandPropertyBody
	if !decodeBody(w, rq.body, &body) {
		return
	}
	res := &resource{col: tgt.col}
	if tgt.isItem() {
		it, err := s.store.GetItem(tgt.col.Path, tgt.itemName)
		if err != nil {
			s.storageError(w, err)
			return
		}
		res.it = it
	}
	ms := xmlutil.NewMultistatus()
	resp := ms.Response(rq.href(res.path(), res.it == nil))
	for _, p := range body.Properties {
		n := xmlutil.Name{Space: xmlutil.NSDav, Local: p.Name}
		s.fillProp(rq, res, n, resp)
	}
	_ = ms.Write(w)
}

// reportItemError maps item evaluation failures: an exceeded occurrence
// budget is the max-resource-size precondition (403), anything else a 400.
func (s *Server) reportItemError(w http.ResponseWriter, err error) {
	if errors.Is(err, item.ErrTooManyOccurrences) {
		xmlutil.Error(w, http.StatusForbidden,
			xmlutil.Name{Space: xmlutil.NSCalDAV, Local: "max-resource-size"})
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// respondItem emits one item response with the requested properties.
// calendar-data honors an expand request by returning concrete recurrence
// instances instead of the master component.
func (s *Server) respondItem(ms *xmlutil.Multistatus, rq *request, res *resource, prop *propContainer, expand *expandRange) error {
	resp := ms.Response(rq.href(res.path(), false))
	if prop == nil {
		resp.AddProp(http.StatusOK,
			xmlutil.Name{Space: xmlutil.NSDav, Local: "getetag"}).SetText(res.it.ETag)
		return nil
	}
	for _, el := range prop.Elements {
		n := el.name()
		if expand != nil && n.Space == xmlutil.NSCalDAV && n.Local == "calendar-data" {
			payload, err := s.expandedPayload(res.it, expand)
			if err != nil {
				return err
			}
			resp.AddProp(http.StatusOK, n).SetText(string(payload))
			continue
		}
		s.fillProp(rq, res, n, resp)
	}
	return nil
}

func (s *Server) expandedPayload(it *item.Item, expand *expandRange) ([]byte, error) {
	start, err := item.ParseTime(expand.Start)
	if err != nil {
		return nil, err
	}
	end, err := item.ParseTime(expand.End)
	if err != nil {
		return nil, err
	}
	occs, err := item.Expand(it, start, end, s.cfg.Storage.MaxOccurrences)
	if err != nil {
		return nil, err
	}
	return item.ExpandedCalendar(it, occs)
}

// calendarDataExpand finds an expand request inside the calendar-data
// property element, if any.
func calendarDataExpand(prop *propContainer) *expandRange {
	if prop == nil {
		return nil
	}
	for _, el := range prop.Elements {
		if el.XMLName.Space == xmlutil.NSCalDAV && el.XMLName.Local == "calendar-data" {
			return parseExpand(el.Inner)
		}
	}
	return nil
}
