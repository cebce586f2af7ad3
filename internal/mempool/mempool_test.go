package mempool

import (
	"testing"
	"time"

	"github.com/chaind-project/chaind/internal/chain"
	"github.com/chaind-project/chaind/internal/crypto"
)

func regularTx(lockTime uint32) *chain.Transaction {
	return &chain.Transaction{
		Version:  1,
		Type:     chain.TxRegular,
		LockTime: lockTime,
		Inputs: []chain.TxInput{
			{PrevTxDigest: chain.Digest{byte(lockTime)}, OutputIndex: 0},
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestAddTxAcceptsAndRejectsDuplicate(t *testing.T) {
	p := New(Config{Capacity: 10})
	defer p.Close()

	tx := regularTx(1)
	if got := p.AddTx(tx, ""); got != Accepted {
		t.Fatalf("expected Accepted, got %d", got)
	}
	if got := p.AddTx(tx, ""); got != DuplicateDropped {
		t.Fatalf("expected DuplicateDropped, got %d", got)
	}
	if p.Size() != 1 {
		t.Fatalf("expected size 1, got %d", p.Size())
	}
}

func TestAddTxEvictsOldestAtCapacity(t *testing.T) {
	p := New(Config{Capacity: 3})
	defer p.Close()

	first := regularTx(1)
	p.AddTx(first, "")
	p.AddTx(regularTx(2), "")
	p.AddTx(regularTx(3), "")

	fourth := regularTx(4)
	result := p.AddTx(fourth, "")
	if result != CapacityEvicted {
		t.Fatalf("expected CapacityEvicted, got %d", result)
	}
	if p.Size() != 3 {
		t.Fatalf("expected size to stay at capacity 3, got %d", p.Size())
	}
	if p.Contains(first.Identity()) {
		t.Fatal("expected oldest entry to have been evicted")
	}
	if !p.Contains(fourth.Identity()) {
		t.Fatal("expected newest entry to be present")
	}
}

func TestValidationWorkerEvictsInvalidAndReportsPeer(t *testing.T) {
	lookup := func(op chain.OutPoint) (chain.TxOutput, bool) {
		return chain.TxOutput{}, false // no outputs known: every non-coinbase tx fails signature lookup
	}
	var reported error
	p := New(Config{
		Capacity:   10,
		UTXOLookup: lookup,
		ReportBad: func(peer string, reason error) {
			reported = reason
		},
	})
	defer p.Close()

	tx := regularTx(1)
	p.AddTx(tx, "peer-a")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !p.Contains(tx.Identity()) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if p.Contains(tx.Identity()) {
		t.Fatal("expected invalid tx to be evicted by the validation worker")
	}
	if reported == nil {
		t.Fatal("expected misbehavior to be reported")
	}
}

func TestTakeForBlockOrdersByFeePerByte(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PublicKeyToAddress(&priv.PublicKey)
	p := New(Config{Capacity: 10, UTXOLookup: func(chain.OutPoint) (chain.TxOutput, bool) {
		return chain.TxOutput{Value: 1000, Recipient: owner}, true
	}})
	defer p.Close()

	low := regularTx(1)
	high := regularTx(2)
	for _, tx := range []*chain.Transaction{low, high} {
		if err := tx.Sign(priv); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	p.AddTx(low, "")
	time.Sleep(time.Millisecond)
	p.AddTx(high, "")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s := p.Stats()
		if s.Size == 2 {
			break
		}
	}

	fees := map[chain.Digest]uint64{
		low.Identity():  1,
		high.Identity(): 100,
	}
	feeOf := func(tx *chain.Transaction) uint64 { return fees[tx.Identity()] }

	// Wait for both entries to be marked validated by the async worker.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := p.TakeForBlock(0, 0, feeOf)
		if len(got) == 2 {
			if got[0].Identity() != high.Identity() {
				t.Fatalf("expected higher fee-per-byte tx first, got order %v, %v", got[0].Identity(), got[1].Identity())
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for both transactions to validate")
}

func TestExpireStaleRemovesOldEntries(t *testing.T) {
	p := New(Config{Capacity: 10, Expiry: time.Millisecond})
	defer p.Close()

	tx := regularTx(1)
	p.AddTx(tx, "")
	time.Sleep(5 * time.Millisecond)

	n := p.ExpireStale()
	if n != 1 {
		t.Fatalf("expected 1 expired entry, got %d", n)
	}
	if p.Contains(tx.Identity()) {
		t.Fatal("expected stale entry removed")
	}
}
