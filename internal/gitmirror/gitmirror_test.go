package gitmirror

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func changeEntry(name, hash string) object.ChangeEntry {
	if name == "" {
		return object.ChangeEntry{}
	}
	return object.ChangeEntry{
		Name: name,
		TreeEntry: object.TreeEntry{
			Name: name,
			Hash: plumbing.NewHash(hash),
		},
	}
}

func TestPairRenamesDetectsSameHash(t *testing.T) {
	added := []object.Change{
		{To: changeEntry("new/path.go", "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111")},
	}
	deleted := []object.Change{
		{From: changeEntry("old/path.go", "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111")},
	}

	got := pairRenames(added, deleted)
	if len(got) != 1 {
		t.Fatalf("expected 1 change, got %d: %+v", len(got), got)
	}
	if got[0].Type != Renamed || got[0].Path != "new/path.go" || got[0].OldPath != "old/path.go" {
		t.Errorf("expected rename new/path.go <- old/path.go, got %+v", got[0])
	}
}

func TestPairRenamesLeavesUnmatchedAsAddDelete(t *testing.T) {
	added := []object.Change{
		{To: changeEntry("brand_new.go", "bbbb2222bbbb2222bbbb2222bbbb2222bbbb2222")},
	}
	deleted := []object.Change{
		{From: changeEntry("gone.go", "cccc3333cccc3333cccc3333cccc3333cccc3333")},
	}

	got := pairRenames(added, deleted)
	if len(got) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(got), got)
	}

	var sawAdd, sawDelete bool
	for _, c := range got {
		switch c.Type {
		case Added:
			sawAdd = c.Path == "brand_new.go"
		case Deleted:
			sawDelete = c.Path == "gone.go"
		}
	}
	if !sawAdd || !sawDelete {
		t.Errorf("expected one Added and one Deleted entry, got %+v", got)
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash([]byte("package main\n"))
	b := ContentHash([]byte("package main\n"))
	c := ContentHash([]byte("package other\n"))

	if a != b {
		t.Error("expected identical content to hash identically")
	}
	if a == c {
		t.Error("expected different content to hash differently")
	}
}
