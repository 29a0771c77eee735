package db

import (
	"database/sql"
	"testing"
	"time"
)

func openMailstore(t *testing.T) *sql.DB {
	t.Helper()
	store, err := InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := createDefaultMailboxes(store, 1); err != nil {
		t.Fatalf("createDefaultMailboxes: %v", err)
	}
	return store
}

func TestCreateMailboxRejectsDuplicatesAndEmptyNames(t *testing.T) {
	store := openMailstore(t)

	if _, err := CreateMailbox(store, 1, "Work", ""); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if _, err := CreateMailbox(store, 1, "Work", ""); err == nil {
		t.Error("duplicate mailbox should be rejected")
	}
	if _, err := CreateMailbox(store, 1, "", ""); err == nil {
		t.Error("empty mailbox name should be rejected")
	}
	// A different owner in the same store may reuse the name.
	if _, err := CreateMailbox(store, 2, "Work", ""); err != nil {
		t.Errorf("same name under another owner should be fine: %v", err)
	}
}

func TestDeleteMailboxRules(t *testing.T) {
	store := openMailstore(t)

	if err := DeleteMailbox(store, 1, "INBOX"); err == nil {
		t.Error("INBOX must not be deletable")
	}
	if err := DeleteMailbox(store, 1, "Trash"); err == nil {
		t.Error("default mailboxes must not be deletable")
	}
	if err := DeleteMailbox(store, 1, "NoSuch"); err == nil {
		t.Error("deleting a missing mailbox should fail")
	}

	if _, err := CreateMailbox(store, 1, "Projects", ""); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if _, err := CreateMailbox(store, 1, "Projects/2026", ""); err != nil {
		t.Fatalf("CreateMailbox child: %v", err)
	}
	if err := DeleteMailbox(store, 1, "Projects"); err == nil {
		t.Error("mailbox with inferior names must not be deletable")
	}
	if err := DeleteMailbox(store, 1, "Projects/2026"); err != nil {
		t.Errorf("leaf delete should succeed: %v", err)
	}
	if err := DeleteMailbox(store, 1, "Projects"); err != nil {
		t.Errorf("delete after children are gone should succeed: %v", err)
	}
}

func TestRenameMailboxMovesHierarchy(t *testing.T) {
	store := openMailstore(t)

	for _, name := range []string{"foo", "foo/bar", "foo/bar/baz"} {
		if _, err := CreateMailbox(store, 1, name, ""); err != nil {
			t.Fatalf("CreateMailbox %s: %v", name, err)
		}
	}
	if err := RenameMailbox(store, 1, "foo", "zap"); err != nil {
		t.Fatalf("RenameMailbox: %v", err)
	}

	for _, name := range []string{"zap", "zap/bar", "zap/bar/baz"} {
		if _, err := GetMailboxByName(store, 1, name); err != nil {
			t.Errorf("expected %s after rename: %v", name, err)
		}
	}
	if exists, _ := MailboxExists(store, 1, "foo"); exists {
		t.Error("old name should be gone")
	}
}

func TestRenameCreatesIntermediateHierarchy(t *testing.T) {
	store := openMailstore(t)

	if _, err := CreateMailbox(store, 1, "notes", ""); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if err := RenameMailbox(store, 1, "notes", "baz/rag/zowie"); err != nil {
		t.Fatalf("RenameMailbox: %v", err)
	}
	for _, name := range []string{"baz", "baz/rag", "baz/rag/zowie"} {
		if exists, _ := MailboxExists(store, 1, name); !exists {
			t.Errorf("expected intermediate %s to exist", name)
		}
	}
}

func TestRenameInboxMovesMessagesAndKeepsInbox(t *testing.T) {
	store := openMailstore(t)

	inboxID, err := GetMailboxByName(store, 1, "INBOX")
	if err != nil {
		t.Fatalf("GetMailboxByName: %v", err)
	}
	msgID, err := CreateMessage(store, "hello", "", "", time.Now(), 42)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if _, err := AddMessageToMailbox(store, msgID, inboxID, "", time.Now()); err != nil {
		t.Fatalf("AddMessageToMailbox: %v", err)
	}

	if err := RenameMailbox(store, 1, "INBOX", "Archive/old-mail"); err != nil {
		t.Fatalf("RenameMailbox INBOX: %v", err)
	}

	if n, _ := GetMessageCount(store, inboxID); n != 0 {
		t.Errorf("INBOX should be empty after rename, has %d", n)
	}
	newID, err := GetMailboxByName(store, 1, "Archive/old-mail")
	if err != nil {
		t.Fatalf("renamed mailbox missing: %v", err)
	}
	if n, _ := GetMessageCount(store, newID); n != 1 {
		t.Errorf("expected 1 message in renamed mailbox, got %d", n)
	}
	if err := RenameMailbox(store, 1, "Archive/old-mail", "INBOX"); err == nil {
		t.Error("renaming to INBOX must be rejected")
	}
}

func TestSubscriptions(t *testing.T) {
	store := openMailstore(t)

	if err := SubscribeToMailbox(store, 1, "INBOX"); err != nil {
		t.Fatalf("SubscribeToMailbox: %v", err)
	}
	// Re-subscribing is a no-op, not an error.
	if err := SubscribeToMailbox(store, 1, "INBOX"); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	if subscribed, _ := IsMailboxSubscribed(store, 1, "INBOX"); !subscribed {
		t.Error("expected INBOX subscribed")
	}
	names, err := GetUserSubscriptions(store, 1)
	if err != nil || len(names) != 1 || names[0] != "INBOX" {
		t.Errorf("GetUserSubscriptions = %v, %v", names, err)
	}
	if err := UnsubscribeFromMailbox(store, 1, "INBOX"); err != nil {
		t.Fatalf("UnsubscribeFromMailbox: %v", err)
	}
	if err := UnsubscribeFromMailbox(store, 1, "INBOX"); err == nil {
		t.Error("unsubscribing twice should fail")
	}
}

func TestUnseenCountHonorsSeenFlag(t *testing.T) {
	store := openMailstore(t)
	inboxID, _ := GetMailboxByName(store, 1, "INBOX")

	for i := 0; i < 3; i++ {
		msgID, _ := CreateMessage(store, "m", "", "", time.Now(), 10)
		if _, err := AddMessageToMailbox(store, msgID, inboxID, "", time.Now()); err != nil {
			t.Fatalf("AddMessageToMailbox: %v", err)
		}
	}
	msgID, _ := CreateMessage(store, "seen", "", "", time.Now(), 10)
	if _, err := AddMessageToMailbox(store, msgID, inboxID, `\Seen`, time.Now()); err != nil {
		t.Fatalf("AddMessageToMailbox: %v", err)
	}

	if n, _ := GetMessageCount(store, inboxID); n != 4 {
		t.Errorf("GetMessageCount = %d, want 4", n)
	}
	if n, _ := GetUnseenCount(store, inboxID); n != 3 {
		t.Errorf("GetUnseenCount = %d, want 3", n)
	}
}

func TestRecentWatermark(t *testing.T) {
	store := openMailstore(t)
	inboxID, _ := GetMailboxByName(store, 1, "INBOX")

	appendOne := func() uint32 {
		uid, err := AppendMessageToMailbox(store, inboxID, "", time.Now(), []byte("From: a@b\r\n\r\nhi\r\n"))
		if err != nil {
			t.Fatalf("AppendMessageToMailbox: %v", err)
		}
		return uid
	}
	u1, u2 := appendOne(), appendOne()

	// Peeking reports eligibility without consuming it.
	peeked, err := PeekRecentEligible(store, inboxID)
	if err != nil {
		t.Fatalf("PeekRecentEligible: %v", err)
	}
	if len(peeked) != 2 {
		t.Fatalf("peek saw %d eligible, want 2", len(peeked))
	}

	claimed, err := BumpRecentWatermark(store, inboxID)
	if err != nil {
		t.Fatalf("BumpRecentWatermark: %v", err)
	}
	if len(claimed) != 2 || claimed[0] != u1 || claimed[1] != u2 {
		t.Fatalf("claimed %v, want [%d %d]", claimed, u1, u2)
	}

	// A second claimant gets nothing until new mail arrives.
	again, _ := BumpRecentWatermark(store, inboxID)
	if len(again) != 0 {
		t.Errorf("second bump claimed %v, want none", again)
	}
	u3 := appendOne()
	next, _ := BumpRecentWatermark(store, inboxID)
	if len(next) != 1 || next[0] != u3 {
		t.Errorf("after new mail, claimed %v, want [%d]", next, u3)
	}
}
