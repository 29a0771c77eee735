package memory

import (
	"context"
	"testing"

	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

func mustAppend(t *testing.T, s *Session, mailbox, body string) uint32 {
	t.Helper()
	_, uids, err := s.Append(context.Background(), mailbox, []backend.AppendMessage{
		{Raw: []byte(body)},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return uids[0]
}

func TestExamineDoesNotConsumeRecent(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	s, err := b.Login(ctx, "alice", "x", nil)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	mustAppend(t, s, "INBOX", "Subject: hi\r\n\r\nbody\r\n")

	peek, err := s.Select(ctx, "INBOX", true)
	if err != nil {
		t.Fatalf("Select (peek): %v", err)
	}
	snap, err := peek.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.RecentEligible) != 1 {
		t.Fatalf("expected 1 recent-eligible uid on EXAMINE, got %d", len(snap.RecentEligible))
	}
	peek.Close(ctx)

	peek2, _ := s.Select(ctx, "INBOX", true)
	snap2, err := peek2.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot (2nd peek): %v", err)
	}
	if len(snap2.RecentEligible) != 1 {
		t.Fatalf("EXAMINE must not consume \\Recent eligibility: got %d", len(snap2.RecentEligible))
	}
	peek2.Close(ctx)
}

func TestSelectClaimsRecentOnce(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	s, err := b.Login(ctx, "alice", "x", nil)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	mustAppend(t, s, "INBOX", "Subject: hi\r\n\r\nbody\r\n")

	mbox, err := s.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	snap, err := mbox.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.RecentEligible) != 1 {
		t.Fatalf("expected 1 recent-eligible uid on first SELECT, got %d", len(snap.RecentEligible))
	}
	mbox.Close(ctx)

	mbox2, err := s.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Select (2nd): %v", err)
	}
	snap2, err := mbox2.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot (2nd): %v", err)
	}
	if len(snap2.RecentEligible) != 0 {
		t.Fatalf("second SELECT must not re-claim already-consumed \\Recent, got %d", len(snap2.RecentEligible))
	}
	mbox2.Close(ctx)
}

func TestStoreAndFetchSeenFlag(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	s, _ := b.Login(ctx, "alice", "x", nil)
	uid := mustAppend(t, s, "INBOX", "Subject: hi\r\n\r\nbody\r\n")

	mbox, err := s.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer mbox.Close(ctx)

	msgs, err := mbox.Fetch(ctx, []uint32{uid}, []wire.FetchAttribute{{Name: "BODY", HasSection: true}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	found := false
	for _, f := range msgs[0].Flags {
		if f == wire.FlagSeen {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected \\Seen to be set after non-peek BODY fetch, got flags %v", msgs[0].Flags)
	}

	stored, err := mbox.Store(ctx, []uint32{uid}, backend.StoreAdd, []string{wire.FlagFlagged})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(stored))
	}
}

func TestExpungeOnlyRemovesDeleted(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	s, _ := b.Login(ctx, "alice", "x", nil)
	uid1 := mustAppend(t, s, "INBOX", "one\r\n")
	uid2 := mustAppend(t, s, "INBOX", "two\r\n")

	mbox, err := s.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer mbox.Close(ctx)

	if _, err := mbox.Store(ctx, []uint32{uid1}, backend.StoreAdd, []string{wire.FlagDeleted}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := mbox.Expunge(ctx, nil); err != nil {
		t.Fatalf("Expunge: %v", err)
	}

	snap, err := mbox.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.UIDs) != 1 || snap.UIDs[0] != uid2 {
		t.Fatalf("expected only uid %d to survive expunge, got %v", uid2, snap.UIDs)
	}
}

func TestCopyAssignsNewUIDInDestination(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	s, _ := b.Login(ctx, "alice", "x", nil)
	if err := s.Create(ctx, "Archive"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	uid := mustAppend(t, s, "INBOX", "Subject: hi\r\n\r\nbody\r\n")

	mbox, err := s.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer mbox.Close(ctx)

	_, destUIDs, err := mbox.Copy(ctx, []uint32{uid}, "Archive")
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if len(destUIDs) != 1 {
		t.Fatalf("expected 1 copied uid, got %d", len(destUIDs))
	}

	archive, err := s.Select(ctx, "Archive", true)
	if err != nil {
		t.Fatalf("Select Archive: %v", err)
	}
	defer archive.Close(ctx)
	snap, err := archive.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.UIDs) != 1 {
		t.Fatalf("expected 1 message copied into Archive, got %d", len(snap.UIDs))
	}
}
