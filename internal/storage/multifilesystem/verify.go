package multifilesystem

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/filedav/filedav/internal/item"
)

// Verify walks the whole tree, checking that property files parse, item
// files parse and item kinds match their collection tag. It returns the
// number of problems found.
func (s *Store) Verify() (int, error) {
	problems := 0
	var walk func(p string) error
	walk = func(p string) error {
		doc, err := s.readProps(p)
		if err != nil {
			problems++
			s.logger.Error().Err(err).Str("collection", p).Msg("verify: bad property file")
			doc = &propsDocument{}
		}
		tag := item.Tag(doc.Tag)
		entries, err := os.ReadDir(s.collectionDir(p))
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, internalPrefix) {
				continue
			}
			if e.IsDir() {
				if strings.HasPrefix(name, ".") {
					continue
				}
				if tag != item.TagNone {
					problems++
					s.logger.Error().Str("collection", p).Str("child", name).
						Msg("verify: directory inside a calendar or address book")
				}
				if err := walk(path.Join(p, name)); err != nil {
					return err
				}
				continue
			}
			if strings.HasPrefix(name, ".") {
				continue
			}
			if tag == item.TagNone {
				problems++
				s.logger.Error().Str("collection", p).Str("item", name).
					Msg("verify: item file outside a calendar or address book")
				continue
			}
			payload, err := os.ReadFile(filepath.Join(s.collectionDir(p), name))
			if err != nil {
				problems++
				s.logger.Error().Err(err).Str("collection", p).Str("item", name).
					Msg("verify: unreadable item")
				continue
			}
			it, err := item.Parse(payload)
			if err != nil {
				problems++
				s.logger.Error().Err(err).Str("collection", p).Str("item", name).
					Msg("verify: unparsable item")
				continue
			}
			if it.Kind.Tag() != tag {
				problems++
				s.logger.Error().Str("collection", p).Str("item", name).
					Str("kind", string(it.Kind)).Msg("verify: item kind does not match collection tag")
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return problems, err
	}
	return problems, nil
}

// Export writes every collection's items below dir, one file per item in
// the same tree layout, without the internal files.
func (s *Store) Export(dir string) error {
	var walk func(p string) error
	walk = func(p string) error {
		col, err := s.GetCollection(p)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(target, 0o700); err != nil {
			return err
		}
		if col.Leaf() {
			refs, err := s.ListItems(p)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				it, err := s.GetItem(p, ref.Name)
				if err != nil {
					return fmt.Errorf("export %s/%s: %w", p, ref.Name, err)
				}
				if err := os.WriteFile(filepath.Join(target, ref.Name), it.Payload, 0o600); err != nil {
					return err
				}
			}
			return nil
		}
		children, err := s.ListCollections(p)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(child.Path); err != nil {
				return err
			}
		}
		return nil
	}
	return walk("")
}
