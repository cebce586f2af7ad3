package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// EncodeRLP returns the canonical RLP encoding of tx, grounded on the
// teacher's Block.EncodeRLP; used to put transactions on the wire for TX and
// BLOCK gossip messages.
func (tx *Transaction) EncodeRLP() ([]byte, error) {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return nil, fmt.Errorf("chain: rlp encode transaction: %w", err)
	}
	return enc, nil
}

// DecodeTransactionRLP reverses EncodeRLP.
func DecodeTransactionRLP(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := rlp.DecodeBytes(data, &tx); err != nil {
		return nil, fmt.Errorf("chain: rlp decode transaction: %w", err)
	}
	return &tx, nil
}

// EncodeRLP returns the canonical RLP encoding of the whole block (header
// plus body), grounded on the teacher's Block.EncodeRLP in core/replication.go.
func (b *Block) EncodeRLP() ([]byte, error) {
	enc, err := rlp.EncodeToBytes(b)
	if err != nil {
		return nil, fmt.Errorf("chain: rlp encode block: %w", err)
	}
	return enc, nil
}

// DecodeBlockRLP reverses Block.EncodeRLP, following the teacher's
// ledger.DecodeBlockRLP.
func DecodeBlockRLP(data []byte) (*Block, error) {
	var b Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("chain: rlp decode block: %w", err)
	}
	return &b, nil
}

// EncodeHeaderRLP encodes just the header, used by headers-first sync.
func EncodeHeaderRLP(h *BlockHeader) ([]byte, error) {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		return nil, fmt.Errorf("chain: rlp encode header: %w", err)
	}
	return enc, nil
}

// DecodeHeaderRLP reverses EncodeHeaderRLP.
func DecodeHeaderRLP(data []byte) (*BlockHeader, error) {
	var h BlockHeader
	if err := rlp.DecodeBytes(data, &h); err != nil {
		return nil, fmt.Errorf("chain: rlp decode header: %w", err)
	}
	return &h, nil
}
