package server

import (
	"net/http"
	"path"
	"strings"

	"github.com/beevik/etree"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/rights"
	"github.com/filedav/filedav/internal/storage"
	"github.com/filedav/filedav/internal/xmlutil"
)

// resource is one node a PROPFIND or REPORT response describes: a
// collection, or an item inside its parent collection.
type resource struct {
	col *storage.Collection
	it  *item.Item
}

func (res *resource) path() string {
	if res.it == nil {
		return res.col.Path
	}
	return path.Join(res.col.Path, res.it.Name)
}

func (s *Server) handlePropfind(w http.ResponseWriter, rq *request) {
	var body propfindBody
	if len(rq.body) > 0 && !decodeBody(w, rq.body, &body) {
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

	depth := rq.r.Header.Get("Depth")
	if depth == "" || depth == "infinity" {
		// Depth infinity is capped to one level.
		depth = "1"
	}

	resources := []*resource{}
	if tgt.isItem() {
		it, err := s.store.GetItem(tgt.col.Path, tgt.itemName)
		if err != nil {
			s.storageError(w, err)
			return
		}
		resources = append(resources, &resource{col: tgt.col, it: it})
	} else {
		resources = append(resources, &resource{col: tgt.col})
		if depth != "0" {
			children, err := s.children(rq, tgt.col)
			if err != nil {
				s.storageError(w, err)
				return
			}
			resources = append(resources, children...)
		}
	}

	ms := xmlutil.NewMultistatus()
	for _, res := range resources {
		resp := ms.Response(rq.href(res.path(), res.it == nil))
		switch {
		case body.PropName != nil:
			for _, n := range s.propNames(rq, res) {
				resp.AddProp(http.StatusOK, n)
			}
		case body.Prop != nil:
			for _, el := range body.Prop.Elements {
				s.fillProp(rq, res, el.name(), resp)
			}
		default: // allprop, or an empty body
			for _, n := range s.propNames(rq, res) {
				s.fillProp(rq, res, n, resp)
			}
		}
	}
	_ = ms.Write(w)
}

// children lists a collection's visible members, filtered by read rights.
func (s *Server) children(rq *request, col *storage.Collection) ([]*resource, error) {
	var out []*resource
	if col.Leaf() {
		refs, err := s.store.ListItems(col.Path)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			it, err := s.store.GetItem(col.Path, ref.Name)
			if err != nil {
				continue
			}
			out = append(out, &resource{col: col, it: it})
		}
		return out, nil
	}
	subs, err := s.store.ListCollections(col.Path)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		letter := "R"
		if sub.Leaf() {
			letter = "r"
		}
		if !rights.Granted(s.rights, rq.user, sub.Path, letter) {
			continue
		}
		out = append(out, &resource{col: sub})
	}
	return out, nil
}

var collectionPropNames = []string{
	"D:resourcetype", "D:displayname", "D:owner", "D:getetag",
	"D:current-user-principal", "D:current-user-privilege-set",
	"D:principal-URL", "D:principal-collection-set",
	"D:supported-report-set", "D:sync-token", "D:getcontenttype",
	"CS:getctag",
}

var itemPropNames = []string{
	"D:resourcetype", "D:getetag", "D:getlastmodified",
	"D:getcontenttype", "D:getcontentlength", "D:owner",
	"D:current-user-principal",
}

// propNames enumerates the properties a resource exposes: the live set
// plus stored dead properties.
func (s *Server) propNames(rq *request, res *resource) []xmlutil.Name {
	var out []xmlutil.Name
	if res.it != nil {
		for _, n := range itemPropNames {
			out = append(out, xmlutil.ParseName(n))
		}
		return out
	}
	for _, n := range collectionPropNames {
		out = append(out, xmlutil.ParseName(n))
	}
	switch res.col.Tag {
	case item.TagCalendar:
		out = append(out,
			xmlutil.Name{Space: xmlutil.NSCalDAV, Local: "supported-calendar-component-set"})
	}
	if principal(res.col.Path) {
		out = append(out,
			xmlutil.Name{Space: xmlutil.NSCalDAV, Local: "calendar-home-set"},
			xmlutil.Name{Space: xmlutil.NSCardDAV, Local: "addressbook-home-set"})
	}
	seen := map[string]bool{}
	for _, n := range out {
		seen[n.String()] = true
	}
	for key := range res.col.Props {
		if !seen[key] {
			out = append(out, xmlutil.ParseName(key))
		}
	}
	return out
}

// principal reports whether a path is a principal home (depth one).
func principal(p string) bool { return p != "" && !strings.Contains(p, "/") }

// fillProp renders one property into the response, under the 200 propstat
// when resolvable and the 404 propstat otherwise.
func (s *Server) fillProp(rq *request, res *resource, n xmlutil.Name, resp *xmlutil.Response) {
	probe := etree.NewElement("probe")
	if !s.propValue(rq, res, n, probe) {
		resp.AddProp(http.StatusNotFound, n)
		return
	}
	target := resp.AddProp(http.StatusOK, n)
	if t := probe.Text(); t != "" {
		target.SetText(t)
	}
	for _, child := range probe.ChildElements() {
		target.AddChild(child.Copy())
	}
}
