package server

import (
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/storage"
	"github.com/filedav/filedav/internal/xmlutil"
)

// propValue computes one property of a resource into out. It returns false
// when the property does not exist on this resource.
func (s *Server) propValue(rq *request, res *resource, n xmlutil.Name, out *etree.Element) bool {
	if res.it != nil {
		return s.itemPropValue(rq, res, n, out)
	}
	return s.collectionPropValue(rq, res.col, n, out)
}

func (s *Server) itemPropValue(rq *request, res *resource, n xmlutil.Name, out *etree.Element) bool {
	if n.Space != xmlutil.NSDav {
		switch {
		case n.Space == xmlutil.NSCalDAV && n.Local == "calendar-data" && res.it.Kind != item.KindCard:
			out.SetText(string(res.it.Payload))
			return true
		case n.Space == xmlutil.NSCardDAV && n.Local == "address-data" && res.it.Kind == item.KindCard:
			out.SetText(string(res.it.Payload))
			return true
		}
		return false
	}
	switch n.Local {
	case "resourcetype":
		// Items are plain resources: an empty resourcetype.
		return true
	case "getetag":
		out.SetText(res.it.ETag)
		return true
	case "getlastmodified":
		out.SetText(res.it.LastModified.UTC().Format(http.TimeFormat))
		return true
	case "getcontenttype":
		if res.it.Kind == item.KindCard {
			out.SetText("text/vcard; charset=utf-8")
		} else {
			out.SetText("text/calendar; charset=utf-8")
		}
		return true
	case "getcontentlength":
		out.SetText(contentLength(len(res.it.Payload)))
		return true
	case "owner":
		return s.ownerHref(rq, res.col.Path, out)
	case "current-user-principal":
		return s.currentUserPrincipal(rq, out)
	}
	return false
}

func (s *Server) collectionPropValue(rq *request, col *storage.Collection, n xmlutil.Name, out *etree.Element) bool {
	switch n.Space {
	case xmlutil.NSDav:
		if ok, handled := s.davCollectionProp(rq, col, n.Local, out); handled {
			return ok
		}
	case xmlutil.NSCalDAV:
		switch n.Local {
		case "supported-calendar-component-set":
			if col.Tag != item.TagCalendar {
				return false
			}
			for _, comp := range []string{"VEVENT", "VTODO", "VJOURNAL"} {
				xmlutil.AppendElement(out, xmlutil.Name{Space: xmlutil.NSCalDAV, Local: "comp"}).
					CreateAttr("name", comp)
			}
			return true
		case "calendar-home-set":
			if !principal(col.Path) {
				return false
			}
			s.appendHref(out, rq.href(col.Path, true))
			return true
		}
	case xmlutil.NSCardDAV:
		if n.Local == "addressbook-home-set" {
			if !principal(col.Path) {
				return false
			}
			s.appendHref(out, rq.href(col.Path, true))
			return true
		}
	case xmlutil.NSCalServer:
		if n.Local == "getctag" {
			if !col.Leaf() {
				return false
			}
			etag, err := s.store.Etag(col.Path)
			if err != nil {
				return false
			}
			out.SetText(etag)
			return true
		}
	}
	return s.deadProp(col, n, out)
}

// davCollectionProp handles the DAV: live properties of collections. The
// second return reports whether the name was recognized at all.
func (s *Server) davCollectionProp(rq *request, col *storage.Collection, local string, out *etree.Element) (bool, bool) {
	switch local {
	case "resourcetype":
		xmlutil.AppendElement(out, xmlutil.Name{Space: xmlutil.NSDav, Local: "collection"})
		switch col.Tag {
		case item.TagCalendar:
			xmlutil.AppendElement(out, xmlutil.Name{Space: xmlutil.NSCalDAV, Local: "calendar"})
		case item.TagAddressBook:
			xmlutil.AppendElement(out, xmlutil.Name{Space: xmlutil.NSCardDAV, Local: "addressbook"})
		}
		return true, true
	case "displayname":
		name, ok := col.Props["D:displayname"]
		if ok {
			out.SetText(name)
		}
		return ok, true
	case "owner":
		return s.ownerHref(rq, col.Path, out), true
	case "getetag":
		etag, err := s.store.Etag(col.Path)
		if err != nil {
			return false, true
		}
		out.SetText(etag)
		return true, true
	case "current-user-principal":
		return s.currentUserPrincipal(rq, out), true
	case "current-user-privilege-set":
		s.privilegeSet(rq, col, out)
		return true, true
	case "principal-URL":
		if !principal(col.Path) {
			return false, true
		}
		s.appendHref(out, rq.href(col.Path, true))
		return true, true
	case "principal-collection-set":
		s.appendHref(out, rq.base+"/")
		return true, true
	case "supported-report-set":
		s.supportedReports(col, out)
		return true, true
	case "sync-token":
		if !col.Leaf() {
			return false, true
		}
		token, err := s.store.SyncToken(col.Path)
		if err != nil {
			return false, true
		}
		out.SetText(token)
		return true, true
	case "getcontenttype":
		switch col.Tag {
		case item.TagCalendar:
			out.SetText("text/calendar; charset=utf-8")
		case item.TagAddressBook:
			out.SetText("text/vcard; charset=utf-8")
		default:
			return false, true
		}
		return true, true
	}
	return false, false
}

func (s *Server) deadProp(col *storage.Collection, n xmlutil.Name, out *etree.Element) bool {
	value, ok := col.Props[n.String()]
	if !ok {
		return false
	}
	if strings.HasPrefix(strings.TrimSpace(value), "<") {
		frag := etree.NewDocument()
		if err := frag.ReadFromString("<fragment>" + value + "</fragment>"); err == nil {
			for _, child := range frag.Root().ChildElements() {
				out.AddChild(child.Copy())
			}
			return true
		}
	}
	out.SetText(value)
	return true
}

func (s *Server) appendHref(parent *etree.Element, href string) {
	xmlutil.AppendElement(parent, xmlutil.Name{Space: xmlutil.NSDav, Local: "href"}).SetText(href)
}

func (s *Server) ownerHref(rq *request, p string, out *etree.Element) bool {
	if p == "" {
		return false
	}
	owner, _, _ := strings.Cut(p, "/")
	s.appendHref(out, rq.href(owner, true))
	return true
}

func (s *Server) currentUserPrincipal(rq *request, out *etree.Element) bool {
	if rq.user == "" {
		xmlutil.AppendElement(out, xmlutil.Name{Space: xmlutil.NSDav, Local: "unauthenticated"})
		return true
	}
	s.appendHref(out, rq.href(rq.user, true))
	return true
}

func (s *Server) privilegeSet(rq *request, col *storage.Collection, out *etree.Element) {
	perms := s.rights.Authorization(rq.user, col.Path)
	read := strings.ContainsAny(perms, "Rr")
	write := strings.ContainsAny(perms, "Ww")
	add := func(local string) {
		priv := xmlutil.AppendElement(out, xmlutil.Name{Space: xmlutil.NSDav, Local: "privilege"})
		xmlutil.AppendElement(priv, xmlutil.Name{Space: xmlutil.NSDav, Local: local})
	}
	if read && write {
		add("all")
	}
	if read {
		add("read")
	}
	if write {
		add("write")
		add("write-properties")
		add("write-content")
	}
}

func (s *Server) supportedReports(col *storage.Collection, out *etree.Element) {
	add := func(space, local string) {
		rep := xmlutil.AppendElement(out, xmlutil.Name{Space: xmlutil.NSDav, Local: "supported-report"})
		inner := xmlutil.AppendElement(rep, xmlutil.Name{Space: xmlutil.NSDav, Local: "report"})
		xmlutil.AppendElement(inner, xmlutil.Name{Space: space, Local: local})
	}
	add(xmlutil.NSDav, "expand-property")
	add(xmlutil.NSDav, "principal-search-property-set")
	switch col.Tag {
	case item.TagCalendar:
		add(xmlutil.NSDav, "sync-collection")
		add(xmlutil.NSCalDAV, "calendar-query")
		add(xmlutil.NSCalDAV, "calendar-multiget")
		add(xmlutil.NSCalDAV, "free-busy-query")
	case item.TagAddressBook:
		add(xmlutil.NSDav, "sync-collection")
		add(xmlutil.NSCardDAV, "addressbook-query")
		add(xmlutil.NSCardDAV, "addressbook-multiget")
	}
}
