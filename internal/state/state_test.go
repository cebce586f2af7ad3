package state

import "testing"

func addr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func TestSnapshotIsolatesWritesUntilCommit(t *testing.T) {
	s := New()
	s.PutAccount(addr(1), Account{Balance: 100})

	snap := s.Snapshot()
	snap.PutAccount(addr(1), Account{Balance: 40})

	if acc, _ := s.GetAccount(addr(1)); acc.Balance != 100 {
		t.Fatalf("parent state mutated before commit: balance=%d", acc.Balance)
	}
	if acc, _ := snap.GetAccount(addr(1)); acc.Balance != 40 {
		t.Fatalf("snapshot should see its own write, got balance=%d", acc.Balance)
	}

	snap.Commit()
	if acc, _ := s.GetAccount(addr(1)); acc.Balance != 40 {
		t.Fatalf("parent state should reflect commit, got balance=%d", acc.Balance)
	}
}

func TestSnapshotFallsThroughToParentForUntouchedKeys(t *testing.T) {
	s := New()
	s.PutAccount(addr(2), Account{Balance: 7, Nonce: 3})

	snap := s.Snapshot()
	acc, ok := snap.GetAccount(addr(2))
	if !ok || acc.Balance != 7 || acc.Nonce != 3 {
		t.Fatalf("expected fall-through read, got %+v ok=%v", acc, ok)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	s := New()
	snap := s.Snapshot()
	snap.Credit(addr(3), 10)
	if err := snap.Debit(addr(3), 11); err == nil {
		t.Fatal("expected error debiting more than balance")
	}
	if err := snap.Debit(addr(3), 10); err != nil {
		t.Fatalf("unexpected error debiting exact balance: %v", err)
	}
}

func TestDeleteAccountShadowsParent(t *testing.T) {
	s := New()
	s.PutAccount(addr(4), Account{Balance: 5})

	snap := s.Snapshot()
	snap.DeleteAccount(addr(4))
	if _, ok := snap.GetAccount(addr(4)); ok {
		t.Fatal("expected deleted account to be absent in snapshot")
	}
	if _, ok := s.GetAccount(addr(4)); !ok {
		t.Fatal("parent account should be untouched before commit")
	}

	snap.Commit()
	if _, ok := s.GetAccount(addr(4)); ok {
		t.Fatal("expected account deleted from parent after commit")
	}
}

func TestStorageCellRoundTrip(t *testing.T) {
	s := New()
	var key [32]byte
	key[0] = 0xAB

	snap := s.Snapshot()
	snap.PutStorage(addr(5), key, []byte("value"))
	if v, ok := snap.GetStorage(addr(5), key); !ok || string(v) != "value" {
		t.Fatalf("expected stored value, got %q ok=%v", v, ok)
	}
	if _, ok := s.GetStorage(addr(5), key); ok {
		t.Fatal("parent storage should be untouched before commit")
	}
	snap.Commit()
	if v, ok := s.GetStorage(addr(5), key); !ok || string(v) != "value" {
		t.Fatalf("expected committed value in parent, got %q ok=%v", v, ok)
	}
}
