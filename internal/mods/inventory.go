// Package mods implements the mod inventory and the sync sub-protocol
// used to deliver mod files to a connecting client over a pair of
// reliable sockets.
package mods

import (
	"os"
	"path/filepath"
	"sort"
)

// Entry describes one mod file available for download.
type Entry struct {
	Path string
	Size int64
}

// Inventory is the ordered list of mods served to clients, plus their
// combined size.
type Inventory struct {
	Entries   []Entry
	TotalSize int64
}

// Scan walks dir and builds an Inventory of every regular file found,
// ordered by path for deterministic sync listing.
func Scan(dir string) (*Inventory, error) {
	var entries []Entry
	var total int64

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: rel, Size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return &Inventory{}, nil
		}
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return &Inventory{Entries: entries, TotalSize: total}, nil
}

// Find returns the Entry for path, or ok=false if it is not in the
// inventory.
func (inv *Inventory) Find(path string) (Entry, bool) {
	for _, e := range inv.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}
