package selected

import (
	"testing"

	"raven/internal/imap/backend"
)

func snap(validity uint32, uids []uint32, recent map[uint32]bool) *backend.MailboxSnapshot {
	flags := make(map[uint32][]string, len(uids))
	for _, u := range uids {
		flags[u] = nil
	}
	return &backend.MailboxSnapshot{
		UIDValidity:    validity,
		UIDNext:        uids[len(uids)-1] + 1,
		UIDs:           uids,
		Flags:          flags,
		RecentEligible: recent,
	}
}

func TestForkExpungeDescendingOrder(t *testing.T) {
	v := New(snap(1, []uint32{10, 11, 12, 13}, nil), true)

	next := snap(1, []uint32{11}, nil)
	updates, err := v.Fork(next)
	if err != nil {
		t.Fatal(err)
	}

	var seqs []uint32
	for _, u := range updates {
		if u.Kind == UpdateExpunge {
			seqs = append(seqs, u.Seq)
		}
	}
	want := []uint32{4, 3, 1}
	if len(seqs) != len(want) {
		t.Fatalf("got %v want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("got %v want %v", seqs, want)
		}
	}
}

func TestForkNewMessageEmitsExistsAndRecent(t *testing.T) {
	v := New(snap(1, []uint32{1, 2, 3}, nil), true)

	next := snap(1, []uint32{1, 2, 3, 4}, map[uint32]bool{4: true})
	updates, err := v.Fork(next)
	if err != nil {
		t.Fatal(err)
	}
	var exists, recent bool
	for _, u := range updates {
		if u.Kind == UpdateExists && u.Count == 4 {
			exists = true
		}
		if u.Kind == UpdateRecent && u.Count == 1 {
			recent = true
		}
	}
	if !exists || !recent {
		t.Fatalf("updates = %+v", updates)
	}
}

func TestForkIdempotentWhenUnchanged(t *testing.T) {
	v := New(snap(1, []uint32{1, 2}, nil), true)
	first := snap(1, []uint32{1, 2}, nil)
	if _, err := v.Fork(first); err != nil {
		t.Fatal(err)
	}
	second := snap(1, []uint32{1, 2}, nil)
	updates, err := v.Fork(second)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected no updates on unchanged fork, got %+v", updates)
	}
}

func TestForkUIDValidityChange(t *testing.T) {
	v := New(snap(1, []uint32{1}, nil), true)
	_, err := v.Fork(snap(2, []uint32{1}, nil))
	if err != ErrUIDValidityChanged {
		t.Fatalf("err = %v", err)
	}
}

func TestHideSuppressesExpunge(t *testing.T) {
	v := New(snap(1, []uint32{1, 2}, nil), true)
	v.Hide(2)
	updates, err := v.Fork(snap(1, []uint32{1}, nil))
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range updates {
		if u.Kind == UpdateExpunge {
			t.Fatalf("expected hidden UID to be suppressed, got %+v", u)
		}
	}
}
