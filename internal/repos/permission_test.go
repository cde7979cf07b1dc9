package repos

import (
	"context"
	"sort"
	"testing"

	"github.com/yungbote/ragmind-backend/internal/types"
)

func TestPermissionReplaceForDoc(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	docs := NewDocInfoRepo(gdb, log)
	perms := NewPermissionRepo(gdb, log)
	ctx := context.Background()

	seedDoc(t, docs, "doc-1", types.StatusSplited)

	if err := perms.ReplaceForDoc(ctx, nil, "doc-1", "dept", []string{"d-1", "d-2"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	links, err := perms.ListForDoc(ctx, nil, "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("want 2 links, got %d", len(links))
	}

	// Replacing again swaps the grant set instead of appending.
	if err := perms.ReplaceForDoc(ctx, nil, "doc-1", "dept", []string{"d-3"}); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	links, err = perms.ListForDoc(ctx, nil, "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(links) != 1 || links[0].SubjectID != "d-3" {
		t.Fatalf("replace did not swap grants: %+v", links)
	}

	// No subjects means one unrestricted row.
	if err := perms.ReplaceForDoc(ctx, nil, "doc-1", "dept", nil); err != nil {
		t.Fatalf("unrestricted replace: %v", err)
	}
	links, err = perms.ListForDoc(ctx, nil, "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(links) != 1 || links[0].SubjectID != "" {
		t.Fatalf("want single unrestricted row, got %+v", links)
	}
}

func TestAuthorizedDocIDs(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	docs := NewDocInfoRepo(gdb, log)
	perms := NewPermissionRepo(gdb, log)
	ctx := context.Background()

	seedDoc(t, docs, "doc-private", types.StatusSplited)
	seedDoc(t, docs, "doc-public", types.StatusSplited)
	seedDoc(t, docs, "doc-other", types.StatusSplited)

	if err := perms.ReplaceForDoc(ctx, nil, "doc-private", "dept", []string{"d-1"}); err != nil {
		t.Fatalf("grant doc-private: %v", err)
	}
	if err := perms.ReplaceForDoc(ctx, nil, "doc-public", "dept", nil); err != nil {
		t.Fatalf("grant doc-public: %v", err)
	}
	if err := perms.ReplaceForDoc(ctx, nil, "doc-other", "dept", []string{"d-9"}); err != nil {
		t.Fatalf("grant doc-other: %v", err)
	}

	got, err := perms.AuthorizedDocIDs(ctx, nil, "dept", []string{"d-1"})
	if err != nil {
		t.Fatalf("AuthorizedDocIDs: %v", err)
	}
	sort.Strings(got)
	want := []string{"doc-private", "doc-public"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("subject d-1: want %v, got %v", want, got)
	}

	// Unknown subject still sees unrestricted documents.
	got, err = perms.AuthorizedDocIDs(ctx, nil, "dept", []string{"d-404"})
	if err != nil {
		t.Fatalf("AuthorizedDocIDs: %v", err)
	}
	if len(got) != 1 || got[0] != "doc-public" {
		t.Fatalf("unknown subject: want [doc-public], got %v", got)
	}

	// No subjects at all behaves the same way.
	got, err = perms.AuthorizedDocIDs(ctx, nil, "dept", nil)
	if err != nil {
		t.Fatalf("AuthorizedDocIDs: %v", err)
	}
	if len(got) != 1 || got[0] != "doc-public" {
		t.Fatalf("no subjects: want [doc-public], got %v", got)
	}

	// Grants are scoped by permission type; unrestricted rows are not.
	got, err = perms.AuthorizedDocIDs(ctx, nil, "role", []string{"d-1"})
	if err != nil {
		t.Fatalf("AuthorizedDocIDs: %v", err)
	}
	if len(got) != 1 || got[0] != "doc-public" {
		t.Fatalf("wrong permission type: want [doc-public], got %v", got)
	}
}
