package blob

import (
	"context"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	path := FinalPDFPath(42)
	if err := s.Put(ctx, path, []byte("pdf-bytes")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pdf-bytes" {
		t.Fatalf("got %q", got)
	}
	if err := s.Delete(ctx, path); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, path); err == nil {
		t.Fatal("expected missing blob error")
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"../etc/passwd", "a/../../b", "/abs/path"} {
		if err := s.Put(context.Background(), p, []byte("x")); err == nil {
			t.Fatalf("path %q accepted", p)
		}
	}
}

func TestPathLayout(t *testing.T) {
	if got := CopyPagePath(7, 3); got != "copies/pages/7/p003.png" {
		t.Fatalf("got %q", got)
	}
	if got := BookletPagePath(1, 2, 10); got != "booklets/1/2/page_010.png" {
		t.Fatalf("got %q", got)
	}
}
