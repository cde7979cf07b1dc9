package repos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/types"
)

func seedDoc(t *testing.T, repo DocInfoRepo, docID, status string) *types.DocInfo {
	t.Helper()
	doc := &types.DocInfo{
		DocID:         docID,
		DocName:       docID + ".pdf",
		DocExt:        "pdf",
		DocPath:       "/data/uploads/" + docID + ".pdf",
		ProcessStatus: status,
	}
	if err := repo.Create(context.Background(), nil, doc); err != nil {
		t.Fatalf("seed doc %s: %v", docID, err)
	}
	return doc
}

func TestDocInfoCreateRejectsDuplicate(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewDocInfoRepo(gdb, newTestLogger(t))
	ctx := context.Background()

	seedDoc(t, repo, "doc-1", types.StatusPending)
	err := repo.Create(ctx, nil, &types.DocInfo{
		DocID:         "doc-1",
		DocName:       "again.pdf",
		DocExt:        "pdf",
		ProcessStatus: types.StatusPending,
	})
	if !errors.Is(err, svcerr.ErrDuplicate) {
		t.Fatalf("second create: want ErrDuplicate, got %v", err)
	}
}

func TestDocInfoGetByDocID(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewDocInfoRepo(gdb, newTestLogger(t))
	ctx := context.Background()

	seedDoc(t, repo, "doc-1", types.StatusPending)
	doc, err := repo.GetByDocID(ctx, nil, "doc-1")
	if err != nil {
		t.Fatalf("GetByDocID: %v", err)
	}
	if doc.DocName != "doc-1.pdf" || doc.ProcessStatus != types.StatusPending {
		t.Fatalf("unexpected row: %+v", doc)
	}
	if _, err := repo.GetByDocID(ctx, nil, "missing"); !errors.Is(err, svcerr.ErrNotFound) {
		t.Fatalf("missing doc: want ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusFollowsMachine(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewDocInfoRepo(gdb, newTestLogger(t))
	ctx := context.Background()

	seedDoc(t, repo, "doc-1", types.StatusPending)

	if err := repo.UpdateStatus(ctx, nil, "doc-1", types.StatusPending, types.StatusConverting, ""); err != nil {
		t.Fatalf("pending -> converting: %v", err)
	}

	// Edge the machine does not have.
	err := repo.UpdateStatus(ctx, nil, "doc-1", types.StatusConverting, types.StatusSplited, "")
	if !errors.Is(err, svcerr.ErrIllegalTransition) {
		t.Fatalf("converting -> splited: want ErrIllegalTransition, got %v", err)
	}

	// Valid edge, but the row already moved past it.
	err = repo.UpdateStatus(ctx, nil, "doc-1", types.StatusPending, types.StatusConverting, "")
	if !errors.Is(err, svcerr.ErrIllegalTransition) {
		t.Fatalf("stale compare-and-set: want ErrIllegalTransition, got %v", err)
	}

	err = repo.UpdateStatus(ctx, nil, "missing", types.StatusPending, types.StatusConverting, "")
	if !errors.Is(err, svcerr.ErrNotFound) {
		t.Fatalf("missing doc: want ErrNotFound, got %v", err)
	}

	if err := repo.UpdateStatus(ctx, nil, "doc-1", types.StatusConverting, types.StatusConvertFailed, "convert timeout"); err != nil {
		t.Fatalf("converting -> convert_failed: %v", err)
	}
	doc, err := repo.GetByDocID(ctx, nil, "doc-1")
	if err != nil {
		t.Fatalf("GetByDocID: %v", err)
	}
	if doc.ProcessStatus != types.StatusConvertFailed || doc.ErrorMessage != "convert timeout" {
		t.Fatalf("failure not recorded: status=%q error=%q", doc.ProcessStatus, doc.ErrorMessage)
	}
}

func TestResetForRestartOnlyFromFailure(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewDocInfoRepo(gdb, newTestLogger(t))
	ctx := context.Background()

	seedDoc(t, repo, "doc-failed", types.StatusConvertFailed)
	seedDoc(t, repo, "doc-running", types.StatusParsing)

	if err := repo.ResetForRestart(ctx, nil, "doc-failed"); err != nil {
		t.Fatalf("restart failed doc: %v", err)
	}
	doc, err := repo.GetByDocID(ctx, nil, "doc-failed")
	if err != nil {
		t.Fatalf("GetByDocID: %v", err)
	}
	if doc.ProcessStatus != types.StatusPending || doc.ErrorMessage != "" {
		t.Fatalf("restart result: status=%q error=%q", doc.ProcessStatus, doc.ErrorMessage)
	}

	err = repo.ResetForRestart(ctx, nil, "doc-running")
	if !errors.Is(err, svcerr.ErrIllegalTransition) {
		t.Fatalf("restart mid-pipeline doc: want ErrIllegalTransition, got %v", err)
	}
	if err := repo.ResetForRestart(ctx, nil, "missing"); !errors.Is(err, svcerr.ErrNotFound) {
		t.Fatalf("restart missing doc: want ErrNotFound, got %v", err)
	}
}

func TestClaimNextRunnable(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewDocInfoRepo(gdb, newTestLogger(t))
	ctx := context.Background()
	staleAfter := 30 * time.Minute

	claimed, err := repo.ClaimNextRunnable(ctx, nil, staleAfter)
	if err != nil {
		t.Fatalf("claim on empty table: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claim on empty table: want nil, got %+v", claimed)
	}

	seedDoc(t, repo, "doc-1", types.StatusPending)
	claimed, err = repo.ClaimNextRunnable(ctx, nil, staleAfter)
	if err != nil {
		t.Fatalf("claim pending: %v", err)
	}
	if claimed == nil || claimed.DocID != "doc-1" {
		t.Fatalf("claim pending: got %+v", claimed)
	}
	if claimed.ProcessStatus != types.StatusConverting {
		t.Fatalf("claim should move pending to converting, got %q", claimed.ProcessStatus)
	}

	// A freshly claimed document is owned and must not be claimable again.
	again, err := repo.ClaimNextRunnable(ctx, nil, staleAfter)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("second claim: want nil, got %+v", again)
	}

	// Once the owner stops heartbeating the document is runnable again.
	past := time.Now().UTC().Add(-time.Hour)
	if err := repo.UpdateFields(ctx, nil, "doc-1", map[string]interface{}{"updated_at": past}); err != nil {
		t.Fatalf("age doc: %v", err)
	}
	resumed, err := repo.ClaimNextRunnable(ctx, nil, staleAfter)
	if err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if resumed == nil || resumed.DocID != "doc-1" || resumed.ProcessStatus != types.StatusConverting {
		t.Fatalf("claim stale: got %+v", resumed)
	}
}

func TestClaimSkipsTerminalAndDeleted(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewDocInfoRepo(gdb, newTestLogger(t))
	ctx := context.Background()

	seedDoc(t, repo, "doc-failed", types.StatusConvertFailed)
	seedDoc(t, repo, "doc-done", types.StatusSplited)
	seedDoc(t, repo, "doc-gone", types.StatusPending)
	if err := repo.SoftDelete(ctx, nil, "doc-gone"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{"doc-failed", "doc-done"} {
		if err := repo.UpdateFields(ctx, nil, id, map[string]interface{}{"updated_at": past}); err != nil {
			t.Fatalf("age %s: %v", id, err)
		}
	}

	claimed, err := repo.ClaimNextRunnable(ctx, nil, 30*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claim: want nil, got %+v", claimed)
	}
}

func TestFilterReady(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewDocInfoRepo(gdb, newTestLogger(t))
	ctx := context.Background()

	seedDoc(t, repo, "doc-ready", types.StatusSplited)
	seedDoc(t, repo, "doc-mid", types.StatusChunking)
	seedDoc(t, repo, "doc-del", types.StatusSplited)
	if err := repo.SoftDelete(ctx, nil, "doc-del"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := repo.FilterReady(ctx, nil, []string{"doc-ready", "doc-mid", "doc-del", "missing"})
	if err != nil {
		t.Fatalf("FilterReady: %v", err)
	}
	if len(got) != 1 || got[0] != "doc-ready" {
		t.Fatalf("FilterReady: want [doc-ready], got %v", got)
	}
}

func TestDeleteCascades(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	docs := NewDocInfoRepo(gdb, log)
	segs := NewSegmentRepo(gdb, log)
	pages := NewDocPageRepo(gdb, log)
	perms := NewPermissionRepo(gdb, log)
	ctx := context.Background()

	seedDoc(t, docs, "doc-1", types.StatusSplited)
	if err := segs.CreateInBatches(ctx, nil, []*types.SegmentInfo{
		{SegID: types.SegID("doc-1", 0, 0, types.SegTypeText), DocID: "doc-1", SegContent: "hello", SegLen: 5, SegType: types.SegTypeText},
	}); err != nil {
		t.Fatalf("seed segment: %v", err)
	}
	if err := pages.ReplaceForDoc(ctx, nil, "doc-1", []*types.DocPageInfo{
		{DocID: "doc-1", PageIdx: 0, PagePNGPath: "/data/doc-1/p0.png"},
	}); err != nil {
		t.Fatalf("seed page: %v", err)
	}
	if err := perms.ReplaceForDoc(ctx, nil, "doc-1", "dept", []string{"d-100"}); err != nil {
		t.Fatalf("seed permission: %v", err)
	}

	if err := docs.Delete(ctx, nil, "doc-1"); err != nil {
		t.Fatalf("delete doc: %v", err)
	}

	n, err := segs.CountByDocID(ctx, nil, "doc-1")
	if err != nil {
		t.Fatalf("count segments: %v", err)
	}
	if n != 0 {
		t.Fatalf("segments not cascaded: %d left", n)
	}
	left, err := pages.GetByDocID(ctx, nil, "doc-1")
	if err != nil {
		t.Fatalf("list pages: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("pages not cascaded: %d left", len(left))
	}
	links, err := perms.ListForDoc(ctx, nil, "doc-1")
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("permissions not cascaded: %d left", len(links))
	}
}

// The foreign keys must sit on the child tables pointing at doc_info and
// chat_sessions, so a child row without its parent is rejected while parent
// inserts stay unconstrained.
func TestChildRowsRequireParent(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	segs := NewSegmentRepo(gdb, log)
	pages := NewDocPageRepo(gdb, log)
	perms := NewPermissionRepo(gdb, log)
	chats := NewChatRepo(gdb, log)
	ctx := context.Background()

	err := segs.CreateInBatches(ctx, nil, []*types.SegmentInfo{
		{SegID: types.SegID("ghost", 0, 0, types.SegTypeText), DocID: "ghost", SegContent: "x", SegLen: 1, SegType: types.SegTypeText},
	})
	if err == nil {
		t.Fatal("segment insert without document: want error, got nil")
	}
	if err := pages.ReplaceForDoc(ctx, nil, "ghost", []*types.DocPageInfo{
		{DocID: "ghost", PageIdx: 0, PagePNGPath: "/data/ghost/p0.png"},
	}); err == nil {
		t.Fatal("page insert without document: want error, got nil")
	}
	if err := perms.ReplaceForDoc(ctx, nil, "ghost", "dept", []string{"d-100"}); err == nil {
		t.Fatal("permission insert without document: want error, got nil")
	}
	if err := chats.AppendMessage(ctx, nil, &types.ChatMessage{
		SessionID:   "ghost",
		MessageType: types.MessageTypeHuman,
		Content:     "hello",
	}); err == nil {
		t.Fatal("message insert without session: want error, got nil")
	}
}
