package chain

import (
	"testing"

	"github.com/chaind-project/chaind/internal/crypto"
)

func TestTransactionRLPRoundTrip(t *testing.T) {
	key := mustKey(t)
	addr := crypto.PublicKeyToAddress(&key.PublicKey)
	tx := coinbaseTx(t, addr, 50, 1)
	tx.Identity() // freeze identity before encoding, as a signed tx would be

	enc, err := tx.EncodeRLP()
	if err != nil {
		t.Fatalf("EncodeRLP: %v", err)
	}
	got, err := DecodeTransactionRLP(enc)
	if err != nil {
		t.Fatalf("DecodeTransactionRLP: %v", err)
	}
	if got.Identity() != tx.Identity() {
		t.Fatal("decoded transaction identity mismatch")
	}
}

func TestBlockRLPRoundTrip(t *testing.T) {
	key := mustKey(t)
	addr := crypto.PublicKeyToAddress(&key.PublicKey)
	genesis := genesisBlock(t, addr)
	block := buildBlock(t, genesis, []*Transaction{coinbaseTx(t, addr, 50, 1)}, genesis.Header.Timestamp+1000)

	enc, err := block.EncodeRLP()
	if err != nil {
		t.Fatalf("EncodeRLP: %v", err)
	}
	got, err := DecodeBlockRLP(enc)
	if err != nil {
		t.Fatalf("DecodeBlockRLP: %v", err)
	}
	if got.Identity() != block.Identity() {
		t.Fatal("decoded block identity mismatch")
	}
	if len(got.Txs) != len(block.Txs) {
		t.Fatalf("expected %d txs, got %d", len(block.Txs), len(got.Txs))
	}
}

func TestHeaderRLPRoundTrip(t *testing.T) {
	key := mustKey(t)
	addr := crypto.PublicKeyToAddress(&key.PublicKey)
	genesis := genesisBlock(t, addr)

	enc, err := EncodeHeaderRLP(&genesis.Header)
	if err != nil {
		t.Fatalf("EncodeHeaderRLP: %v", err)
	}
	got, err := DecodeHeaderRLP(enc)
	if err != nil {
		t.Fatalf("DecodeHeaderRLP: %v", err)
	}
	if got.Identity() != genesis.Header.Identity() {
		t.Fatal("decoded header identity mismatch")
	}
}
