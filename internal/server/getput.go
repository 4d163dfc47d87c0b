package server

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/rights"
	"github.com/filedav/filedav/internal/storage"
)

func (s *Server) handleOptions(w http.ResponseWriter, rq *request) {
	w.Header().Set("DAV", davCapabilities)
	w.Header().Set("Allow", allowedMethods)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, rq *request) {
	if rq.path == "" {
		if !s.checkAccess(w, rq, rq.path, "R") {
			return
		}
		body := []byte("filedav works!\n")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", contentLength(len(body)))
		if rq.r.Method != http.MethodHead {
			_, _ = w.Write(body)
		}
		return
	}
	// Coarse check before resolving, so callers without any access cannot
	// tell missing paths from forbidden ones.
	if !s.checkAccess(w, rq, rq.path, "Rri") {
		return
	}
	tgt, err := s.resolve(rq.path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	if !s.checkAccess(w, rq, tgt.path(), readLetters(tgt.col.Leaf())) {
		return
	}
	if tgt.isItem() {
		it, err := s.store.GetItem(tgt.col.Path, tgt.itemName)
		if err != nil {
			s.storageError(w, err)
			return
		}
		s.writePayload(w, rq, it.Kind, it.ETag, it.Payload)
		return
	}
	if !tgt.col.Leaf() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	payload, kind, err := s.collectionPayload(tgt.col)
	if err != nil {
		s.storageError(w, err)
		return
	}
	etag, err := s.store.Etag(tgt.col.Path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.writePayload(w, rq, kind, etag, payload)
}

func (s *Server) writePayload(w http.ResponseWriter, rq *request, kind item.Kind, etag string, payload []byte) {
	ct := "text/calendar; charset=utf-8"
	if kind == item.KindCard {
		ct = "text/vcard; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", contentLength(len(payload)))
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	if rq.r.Method != http.MethodHead {
		_, _ = w.Write(payload)
	}
}

// collectionPayload concatenates a leaf collection into one download.
// Calendars become a single VCALENDAR carrying X-WR-CALNAME/X-WR-CALDESC
// from the collection properties; address books concatenate the raw cards.
func (s *Server) collectionPayload(col *storage.Collection) ([]byte, item.Kind, error) {
	refs, err := s.store.ListItems(col.Path)
	if err != nil {
		return nil, "", err
	}
	if col.Tag == item.TagAddressBook {
		var buf bytes.Buffer
		for _, ref := range refs {
			it, err := s.store.GetItem(col.Path, ref.Name)
			if err != nil {
				return nil, "", err
			}
			buf.Write(it.Payload)
		}
		return buf.Bytes(), item.KindCard, nil
	}
	out := ical.NewCalendar()
	out.Props.SetText(ical.PropProductID, item.ProdID)
	out.Props.SetText(ical.PropVersion, "2.0")
	if name := col.Props["D:displayname"]; name != "" {
		out.Props.SetText("X-WR-CALNAME", name)
	}
	if desc := col.Props["C:calendar-description"]; desc != "" {
		out.Props.SetText("X-WR-CALDESC", desc)
	}
	seenTZ := map[string]bool{}
	kind := item.KindEvent
	for _, ref := range refs {
		it, err := s.store.GetItem(col.Path, ref.Name)
		if err != nil {
			return nil, "", err
		}
		kind = it.Kind
		for _, child := range it.Calendar().Children {
			if child.Name == ical.CompTimezone {
				tzid := ""
				if p := child.Props.Get(ical.PropTimezoneID); p != nil {
					tzid = p.Value
				}
				if seenTZ[tzid] {
					continue
				}
				seenTZ[tzid] = true
			}
			out.Children = append(out.Children, child)
		}
	}
	var buf bytes.Buffer
	if len(out.Children) == 0 {
		// An empty VCALENDAR is invalid; ship a bare skeleton by hand.
		buf.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:" + item.ProdID + "\r\nEND:VCALENDAR\r\n")
		return buf.Bytes(), kind, nil
	}
	if err := ical.NewEncoder(&buf).Encode(out); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), kind, nil
}

func (s *Server) handlePut(w http.ResponseWriter, rq *request) {
	if !s.checkAccess(w, rq, rq.path, "Ww") {
		return
	}
	tgt, err := s.resolve(rq.path)
	if errors.Is(err, storage.ErrNotFound) {
		s.handleCollectionUpload(w, rq)
		return
	}
	if err != nil {
		s.storageError(w, err)
		return
	}
	if !tgt.isItem() {
		if tgt.col.Leaf() {
			s.replaceCollectionContent(w, rq, tgt.col)
			return
		}
		http.Error(w, "cannot PUT a collection", http.StatusConflict)
		return
	}
	if !s.checkAccess(w, rq, tgt.path(), "w") {
		return
	}
	current := ""
	if existing, err := s.store.GetItem(tgt.col.Path, tgt.itemName); err == nil {
		current = existing.ETag
	}
	if status := etagPreconditions(rq.r, current); status != 0 {
		http.Error(w, "precondition failed", status)
		return
	}
	if current != "" && !rights.PermitOverwrite(s.rights, s.cfg.Rights, rq.user, tgt.path(), true) {
		http.Error(w, "overwrite not permitted", http.StatusPreconditionFailed)
		return
	}
	it, err := item.Parse(rq.body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if it.Kind.Tag() != tgt.col.Tag {
		http.Error(w, "item kind does not match collection", http.StatusUnsupportedMediaType)
		return
	}
	it.Name = tgt.itemName
	if err := s.store.PutItem(tgt.col.Path, it); err != nil {
		s.storageError(w, err)
		return
	}
	s.store.RunHook(rq.user, tgt.path())
	w.Header().Set("ETag", it.ETag)
	if current == "" {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleCollectionUpload serves a PUT to a nonexistent path whose parent is
// a plain collection: the body is a whole calendar or address book stream
// and the target collection is created around it.
func (s *Server) handleCollectionUpload(w http.ResponseWriter, rq *request) {
	parent := path.Dir(rq.path)
	if parent == "." {
		parent = ""
	}
	pcol, err := s.store.GetCollection(parent)
	if err != nil || pcol.Leaf() {
		http.Error(w, "parent collection missing", http.StatusConflict)
		return
	}
	if !s.checkAccess(w, rq, rq.path, "w") {
		return
	}
	items, tag, err := splitStream(rq.body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := checkUploadUIDs(items); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.store.CreateCollection(rq.path, tag, nil); err != nil {
		s.storageError(w, err)
		return
	}
	if err := s.storeUploadedItems(rq.path, items); err != nil {
		_ = s.store.DeleteCollection(rq.path)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.store.RunHook(rq.user, rq.path)
	w.WriteHeader(http.StatusCreated)
}

// replaceCollectionContent serves a PUT addressed at an existing leaf
// collection: its items are replaced by the uploaded stream.
func (s *Server) replaceCollectionContent(w http.ResponseWriter, rq *request, col *storage.Collection) {
	if !s.checkAccess(w, rq, col.Path, "w") {
		return
	}
	if !rights.PermitOverwrite(s.rights, s.cfg.Rights, rq.user, col.Path, true) {
		http.Error(w, "overwrite not permitted", http.StatusPreconditionFailed)
		return
	}
	items, tag, err := splitStream(rq.body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if tag != col.Tag {
		http.Error(w, "upload kind does not match collection", http.StatusUnsupportedMediaType)
		return
	}
	// Reject the upload before touching existing items, so a bad stream
	// cannot empty the collection.
	if err := checkUploadUIDs(items); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	refs, err := s.store.ListItems(col.Path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	for _, ref := range refs {
		if err := s.store.DeleteItem(col.Path, ref.Name); err != nil {
			s.storageError(w, err)
			return
		}
	}
	if err := s.storeUploadedItems(col.Path, items); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.store.RunHook(rq.user, col.Path)
	w.WriteHeader(http.StatusCreated)
}

func splitStream(body []byte) ([]*item.Item, item.Tag, error) {
	head := strings.ToUpper(string(body[:min(64, len(body))]))
	switch {
	case strings.Contains(head, "BEGIN:VCALENDAR"):
		items, err := item.SplitCalendarStream(body)
		return items, item.TagCalendar, err
	case strings.Contains(head, "BEGIN:VCARD"):
		items, err := item.SplitCardStream(body)
		return items, item.TagAddressBook, err
	default:
		return nil, item.TagNone, item.ErrInvalidItem
	}
}

func checkUploadUIDs(items []*item.Item) error {
	seen := map[string]bool{}
	for _, it := range items {
		if seen[it.UID] {
			return errors.New("duplicate UID in upload")
		}
		seen[it.UID] = true
	}
	return nil
}

func (s *Server) storeUploadedItems(colPath string, items []*item.Item) error {
	for _, it := range items {
		it.Name = it.UID + extensionFor(it.Kind)
		if err := s.store.PutItem(colPath, it); err != nil {
			return err
		}
	}
	return nil
}

func extensionFor(kind item.Kind) string {
	if kind == item.KindCard {
		return ".vcf"
	}
	return ".ics"
}

func (s *Server) handleDelete(w http.ResponseWriter, rq *request) {
	if !s.checkAccess(w, rq, rq.path, "Ww") {
		return
	}
	tgt, err := s.resolve(rq.path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	if !s.checkAccess(w, rq, tgt.path(), writeLetters(tgt.col.Leaf())) {
		return
	}
	if tgt.isItem() {
		it, err := s.store.GetItem(tgt.col.Path, tgt.itemName)
		if err != nil {
			s.storageError(w, err)
			return
		}
		if status := etagPreconditions(rq.r, it.ETag); status != 0 {
			http.Error(w, "precondition failed", status)
			return
		}
		if err := s.store.DeleteItem(tgt.col.Path, tgt.itemName); err != nil {
			s.storageError(w, err)
			return
		}
		s.store.RunHook(rq.user, tgt.path())
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !rights.PermitDelete(s.rights, s.cfg.Rights, rq.user, tgt.col.Path, tgt.col.Leaf()) {
		http.Error(w, "collection deletion not permitted", http.StatusForbidden)
		return
	}
	if status := etagPreconditions(rq.r, mustEtag(s.store, tgt.col.Path)); status != 0 {
		http.Error(w, "precondition failed", status)
		return
	}
	if err := s.store.DeleteCollection(tgt.col.Path); err != nil {
		s.storageError(w, err)
		return
	}
	s.store.RunHook(rq.user, tgt.col.Path)
	w.WriteHeader(http.StatusNoContent)
}

func mustEtag(st storage.Storage, p string) string {
	etag, err := st.Etag(p)
	if err != nil {
		return ""
	}
	return etag
}

func (s *Server) handleMove(w http.ResponseWriter, rq *request) {
	dstPath, ok := s.destinationPath(w, rq)
	if !ok {
		return
	}
	overwrite := !strings.EqualFold(rq.r.Header.Get("Overwrite"), "F")
	if !s.checkAccess(w, rq, rq.path, "Ww") {
		return
	}
	tgt, err := s.resolve(rq.path)
	if err != nil {
		s.storageError(w, err)
		return
	}
	leaf := tgt.col.Leaf()
	if !s.checkAccess(w, rq, tgt.path(), readLetters(leaf)) {
		return
	}
	if !s.checkAccess(w, rq, tgt.path(), writeLetters(leaf)) {
		return
	}
	if !s.checkAccess(w, rq, dstPath, writeLetters(s.pathIsLeaf(dstPath))) {
		return
	}
	if tgt.isItem() {
		dstParent, dstName := path.Dir(dstPath), path.Base(dstPath)
		if dstParent == "." {
			dstParent = ""
		}
		existed := false
		if _, err := s.store.GetItem(dstParent, dstName); err == nil {
			existed = true
			if !overwrite {
				http.Error(w, "destination exists", http.StatusPreconditionFailed)
				return
			}
			if !rights.PermitOverwrite(s.rights, s.cfg.Rights, rq.user, dstPath, true) {
				http.Error(w, "overwrite not permitted", http.StatusPreconditionFailed)
				return
			}
		}
		if err := s.store.MoveItem(tgt.col.Path, tgt.itemName, dstParent, dstName, overwrite); err != nil {
			s.storageError(w, err)
			return
		}
		s.store.RunHook(rq.user, dstPath)
		moveStatus(w, existed)
		return
	}
	existed := false
	if _, err := s.store.GetCollection(dstPath); err == nil {
		existed = true
		if !overwrite {
			http.Error(w, "destination exists", http.StatusPreconditionFailed)
			return
		}
		if !rights.PermitOverwrite(s.rights, s.cfg.Rights, rq.user, dstPath, s.pathIsLeaf(dstPath)) {
			http.Error(w, "overwrite not permitted", http.StatusPreconditionFailed)
			return
		}
	}
	if err := s.store.MoveCollection(tgt.col.Path, dstPath, overwrite); err != nil {
		s.storageError(w, err)
		return
	}
	s.store.RunHook(rq.user, dstPath)
	moveStatus(w, existed)
}

func moveStatus(w http.ResponseWriter, overwrote bool) {
	if overwrote {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

// destinationPath resolves the Destination header against the base prefix.
func (s *Server) destinationPath(w http.ResponseWriter, rq *request) (string, bool) {
	dest := rq.r.Header.Get("Destination")
	if dest == "" {
		http.Error(w, "missing Destination header", http.StatusBadRequest)
		return "", false
	}
	u, err := url.Parse(dest)
	if err != nil {
		http.Error(w, "bad Destination header", http.StatusBadRequest)
		return "", false
	}
	p := u.Path
	if rq.base != "" {
		rest, ok := strings.CutPrefix(p, rq.base)
		if !ok {
			http.Error(w, "destination outside this server", http.StatusBadGateway)
			return "", false
		}
		p = rest
	}
	return sanitizeURLPath(p), true
}
