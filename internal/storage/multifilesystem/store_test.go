package multifilesystem

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filedav/filedav/internal/config"
	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StorageConfig{
		FilesystemFolder: t.TempDir(),
		FolderUmask:      0o077,
		MaxSyncTokenAge:  time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func event(t *testing.T, name, uid, day string) *item.Item {
	t.Helper()
	payload := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTART:" + day + "T100000Z\r\n" +
		"DTEND:" + day + "T110000Z\r\nSUMMARY:Event " + uid + "\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	it, err := item.Parse([]byte(payload))
	require.NoError(t, err)
	it.Name = name
	return it
}

func makeCalendar(t *testing.T, s *Store, path string) {
	t.Helper()
	_, err := s.CreateCollection("alice", item.TagNone, nil)
	if err != nil {
		require.ErrorIs(t, err, storage.ErrConflict)
	}
	_, err = s.CreateCollection(path, item.TagCalendar, map[string]string{"D:displayname": "Cal"})
	require.NoError(t, err)
}

func TestLock(t *testing.T) {
	s := newStore(t)
	release, err := s.Lock(false)
	require.NoError(t, err)
	release()
	release, err = s.Lock(true)
	require.NoError(t, err)
	release()
}

func TestLockSharedReaders(t *testing.T) {
	s := newStore(t)
	rel1, err := s.Lock(false)
	require.NoError(t, err)
	rel2, err := s.Lock(false)
	require.NoError(t, err)

	// The interprocess lock stays held until the last reader finishes.
	rel1()
	assert.True(t, s.flk.RLocked())
	rel2()
	assert.False(t, s.flk.RLocked())

	release, err := s.Lock(true)
	require.NoError(t, err)
	release()
}

func TestCreateAndGetCollection(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")

	col, err := s.GetCollection("alice/cal")
	require.NoError(t, err)
	assert.Equal(t, item.TagCalendar, col.Tag)
	assert.True(t, col.Leaf())
	assert.Equal(t, "Cal", col.Props["D:displayname"])

	root, err := s.GetCollection("")
	require.NoError(t, err)
	assert.False(t, root.Leaf())

	_, err = s.GetCollection("alice/nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateCollectionConflicts(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")

	_, err := s.CreateCollection("alice/cal", item.TagCalendar, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Parent must exist.
	_, err = s.CreateCollection("bob/cal", item.TagCalendar, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// A calendar cannot contain subcollections.
	_, err = s.CreateCollection("alice/cal/sub", item.TagNone, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Reserved name segments are rejected.
	_, err = s.CreateCollection("alice/.Radicale.evil", item.TagNone, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestListCollections(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/work")
	_, err := s.CreateCollection("alice/home", item.TagCalendar, nil)
	require.NoError(t, err)

	cols, err := s.ListCollections("alice")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "alice/home", cols[0].Path)
	assert.Equal(t, "alice/work", cols[1].Path)

	_, err = s.ListCollections("nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutGetDeleteItem(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	it := event(t, "a.ics", "uid-a", "20260301")
	require.NoError(t, s.PutItem("alice/cal", it))

	got, err := s.GetItem("alice/cal", "a.ics")
	require.NoError(t, err)
	assert.Equal(t, "uid-a", got.UID)
	assert.Equal(t, item.KindEvent, got.Kind)
	assert.Equal(t, item.Etag(got.Payload), got.ETag)
	assert.False(t, got.LastModified.IsZero())

	require.NoError(t, s.DeleteItem("alice/cal", "a.ics"))
	_, err = s.GetItem("alice/cal", "a.ics")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteItem("alice/cal", "a.ics"), storage.ErrNotFound)
}

func TestPutItemRejectsWrongKind(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	_, err := s.CreateCollection("alice/book", item.TagAddressBook, nil)
	require.NoError(t, err)

	it := event(t, "a.ics", "uid-a", "20260301")
	assert.ErrorIs(t, s.PutItem("alice/book", it), storage.ErrConflict)

	// Items only live in leaf collections.
	assert.ErrorIs(t, s.PutItem("alice", it), storage.ErrConflict)
}

func TestItemNameSafety(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")

	for _, name := range []string{"", ".", "..", ".hidden", "a/b", `a\b`} {
		it := event(t, name, "uid", "20260301")
		assert.Error(t, s.PutItem("alice/cal", it), "name %q", name)
		_, err := s.GetItem("alice/cal", name)
		assert.ErrorIs(t, err, storage.ErrNotFound, "name %q", name)
	}
}

func TestListItemsSortedAndFiltered(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	require.NoError(t, s.PutItem("alice/cal", event(t, "b.ics", "uid-b", "20260302")))
	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))

	refs, err := s.ListItems("alice/cal")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "a.ics", refs[0].Name)
	assert.Equal(t, "b.ics", refs[1].Name)
	assert.Equal(t, "uid-a", refs[0].UID)
	assert.NotEmpty(t, refs[0].ETag)
}

func TestCacheRebuildAfterExternalEdit(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))

	refs, err := s.ListItems("alice/cal")
	require.NoError(t, err)
	before := refs[0].ETag

	// Replace the file behind the store's back.
	replacement := event(t, "a.ics", "uid-a", "20260401")
	file := filepath.Join(s.collectionDir("alice/cal"), "a.ics")
	require.NoError(t, os.WriteFile(file, replacement.Payload, 0o600))

	refs, err = s.ListItems("alice/cal")
	require.NoError(t, err)
	assert.NotEqual(t, before, refs[0].ETag)
	assert.Equal(t, item.Etag(replacement.Payload), refs[0].ETag)
}

func TestCollectionEtagTracksContent(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")

	first, err := s.Etag("alice/cal")
	require.NoError(t, err)
	again, err := s.Etag("alice/cal")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.True(t, strings.HasPrefix(first, `"`))

	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))
	after, err := s.Etag("alice/cal")
	require.NoError(t, err)
	assert.NotEqual(t, first, after)

	require.NoError(t, s.SetProps("alice/cal", map[string]string{"D:displayname": "Renamed"}, nil))
	renamed, err := s.Etag("alice/cal")
	require.NoError(t, err)
	assert.NotEqual(t, after, renamed)
}

func TestSetProps(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	require.NoError(t, s.SetProps("alice/cal",
		map[string]string{"C:calendar-description": "Work"},
		[]string{"D:displayname"}))

	col, err := s.GetCollection("alice/cal")
	require.NoError(t, err)
	assert.Equal(t, "Work", col.Props["C:calendar-description"])
	_, ok := col.Props["D:displayname"]
	assert.False(t, ok)
	assert.Equal(t, item.TagCalendar, col.Tag, "tag survives property updates")
}

func TestMoveItem(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	_, err := s.CreateCollection("alice/other", item.TagCalendar, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))
	require.NoError(t, s.PutItem("alice/other", event(t, "b.ics", "uid-b", "20260302")))

	err = s.MoveItem("alice/cal", "a.ics", "alice/other", "b.ics", false)
	assert.ErrorIs(t, err, storage.ErrPrecondition)

	require.NoError(t, s.MoveItem("alice/cal", "a.ics", "alice/other", "moved.ics", false))
	_, err = s.GetItem("alice/cal", "a.ics")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err := s.GetItem("alice/other", "moved.ics")
	require.NoError(t, err)
	assert.Equal(t, "uid-a", got.UID)
}

func TestMoveCollection(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))

	require.NoError(t, s.MoveCollection("alice/cal", "alice/renamed", false))
	_, err := s.GetCollection("alice/cal")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err := s.GetItem("alice/renamed", "a.ics")
	require.NoError(t, err)
	assert.Equal(t, "uid-a", got.UID)
}

func TestMoveCollectionOverwrite(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	_, err := s.CreateCollection("alice/target", item.TagCalendar, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutItem("alice/target", event(t, "old.ics", "uid-old", "20260301")))

	assert.ErrorIs(t, s.MoveCollection("alice/cal", "alice/target", false), storage.ErrPrecondition)

	require.NoError(t, s.PutItem("alice/cal", event(t, "new.ics", "uid-new", "20260302")))
	require.NoError(t, s.MoveCollection("alice/cal", "alice/target", true))
	_, err = s.GetItem("alice/target", "old.ics")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetItem("alice/target", "new.ics")
	assert.NoError(t, err)
}

func TestDeleteCollection(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))

	require.NoError(t, s.DeleteCollection("alice/cal"))
	_, err := s.GetCollection("alice/cal")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteCollection("alice/cal"), storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteCollection(""), storage.ErrConflict)
}

func TestSyncTokenStable(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")

	first, err := s.SyncToken("alice/cal")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "http://radicale.org/ns/sync/"))

	again, err := s.SyncToken("alice/cal")
	require.NoError(t, err)
	assert.Equal(t, first, again, "unchanged collection keeps its token")

	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))
	changed, err := s.SyncToken("alice/cal")
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestChanges(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))

	// Initial sync reports everything.
	changed, removed, token, err := s.Changes("alice/cal", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ics"}, changed)
	assert.Empty(t, removed)
	require.NotEmpty(t, token)

	// No changes since the token.
	changed, removed, _, err = s.Changes("alice/cal", token)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, removed)

	require.NoError(t, s.PutItem("alice/cal", event(t, "b.ics", "uid-b", "20260302")))
	require.NoError(t, s.DeleteItem("alice/cal", "a.ics"))
	changed, removed, next, err := s.Changes("alice/cal", token)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.ics"}, changed)
	assert.Equal(t, []string{"a.ics"}, removed)
	assert.NotEqual(t, token, next)
}

func TestChangesUnknownToken(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")

	for _, since := range []string{
		"http://radicale.org/ns/sync/deadbeef",
		"http://radicale.org/ns/sync/../../etc/passwd",
		"urn:something:else",
	} {
		_, _, _, err := s.Changes("alice/cal", since)
		assert.ErrorIs(t, err, storage.ErrSyncTokenUnknown, "token %q", since)
	}
}

func TestVerify(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	require.NoError(t, s.PutItem("alice/cal", event(t, "a.ics", "uid-a", "20260301")))

	problems, err := s.Verify()
	require.NoError(t, err)
	assert.Zero(t, problems)

	// A garbage item makes the store invalid.
	file := filepath.Join(s.collectionDir("alice/cal"), "broken.ics")
	require.NoError(t, os.WriteFile(file, []byte("not a calendar"), 0o600))
	problems, err = s.Verify()
	require.NoError(t, err)
	assert.Positive(t, problems)
}

func TestExport(t *testing.T) {
	s := newStore(t)
	makeCalendar(t, s, "alice/cal")
	it := event(t, "a.ics", "uid-a", "20260301")
	require.NoError(t, s.PutItem("alice/cal", it))

	dir := t.TempDir()
	require.NoError(t, s.Export(dir))
	b, err := os.ReadFile(filepath.Join(dir, "alice", "cal", "a.ics"))
	require.NoError(t, err)
	assert.Equal(t, it.Payload, b)
}

func TestRemoveDebris(t *testing.T) {
	folder := t.TempDir()
	cfg := config.StorageConfig{FilesystemFolder: folder, FolderUmask: 0o077, MaxSyncTokenAge: time.Hour}
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	s.Close()

	stale := filepath.Join(folder, tmpPrefix+"crashed")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))
	s, err = New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}
