package server

import (
	"net/http"
	"strings"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/xmlutil"
)

// protectedProps cannot be modified through PROPPATCH.
var protectedProps = map[string]bool{
	"D:resourcetype":     true,
	"D:getetag":          true,
	"D:getlastmodified":  true,
	"D:getcontenttype":   true,
	"D:getcontentlength": true,
	"D:sync-token":       true,
	"CS:getctag":         true,
}

func (s *Server) handleProppatch(w http.ResponseWriter, rq *request) {
	var body proppatchBody
	if !decodeBody(w, rq.body, &body) {
		return
	}
	if !s.checkAccess(w, rq, rq.path, "Ww") {
		return
	}
	tgt, err := s.resolve(rq.path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	if tgt.isItem() {
		http.Error(w, "items have no dead properties", http.StatusForbidden)
		return
	}
	if !s.checkAccess(w, rq, tgt.col.Path, writeLetters(tgt.col.Leaf())) {
		return
	}

	set := map[string]string{}
	var remove []string
	var names []xmlutil.Name
	rejected := false
	for _, action := range body.Actions {
		if action.XMLName.Space != xmlutil.NSDav {
			continue
		}
		isSet := action.XMLName.Local == "set"
		if !isSet && action.XMLName.Local != "remove" {
			continue
		}
		for _, el := range action.Prop.Elements {
			n := el.name()
			names = append(names, n)
			if protectedProps[n.String()] {
				rejected = true
				continue
			}
			if isSet {
				set[n.String()] = strings.TrimSpace(el.Inner)
				// A later remove of the same name in document order wins.
				remove = removeName(remove, n.String())
			} else {
				delete(set, n.String())
				remove = append(remove, n.String())
			}
		}
	}

	ms := xmlutil.NewMultistatus()
	resp := ms.Response(rq.href(tgt.col.Path, true))
	if rejected {
		// All-or-nothing: one protected property fails the whole update.
		for _, n := range names {
			if protectedProps[n.String()] {
				resp.AddProp(http.StatusForbidden, n)
			} else {
				resp.AddProp(http.StatusFailedDependency, n)
			}
		}
		_ = ms.Write(w)
		return
	}
	if err := s.store.SetProps(tgt.col.Path, set, remove); err != nil {
		s.storageError(w, err)
		return
	}
	s.store.RunHook(rq.user, tgt.col.Path)
	for _, n := range names {
		resp.AddProp(http.StatusOK, n)
	}
	_ = ms.Write(w)
}

func removeName(list []string, name string) []string {
	out := list[:0]
	for _, s := range list {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}

func (s *Server) handleMkcol(w http.ResponseWriter, rq *request, tag item.Tag) {
	var body mkcolBody
	if len(rq.body) > 0 && !decodeBody(w, rq.body, &body) {
		return
	}
	if !s.checkAccess(w, rq, rq.path, "Ww") {
		return
	}
	props := map[string]string{}
	for _, el := range body.Set.Prop.Elements {
		n := el.name()
		if n.Space == xmlutil.NSDav && n.Local == "resourcetype" {
			if t := tagFromResourcetype(el.Inner); t != item.TagNone {
				tag = t
			}
			continue
		}
		props[n.String()] = strings.TrimSpace(el.Inner)
	}
	if _, err := s.store.CreateCollection(rq.path, tag, props); err != nil {
		s.storageError(w, err)
		return
	}
	s.store.RunHook(rq.user, rq.path)
	w.WriteHeader(http.StatusCreated)
}

// tagFromResourcetype inspects an extended MKCOL resourcetype fragment.
func tagFromResourcetype(inner string) item.Tag {
	lower := strings.ToLower(inner)
	switch {
	case strings.Contains(lower, "addressbook"):
		return item.TagAddressBook
	case strings.Contains(lower, "calendar"):
		return item.TagCalendar
	}
	return item.TagNone
}
