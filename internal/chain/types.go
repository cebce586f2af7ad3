// Package chain implements the transaction and block data model, the
// canonical chain, and the fork-choice reorganizer. It is grounded on the
// teacher's core/common_structs.go (Transaction/Block/BlockHeader/UTXO
// shapes), core/transactions.go (signing), and core/ledger.go +
// core/chain_fork_manager.go (apply/revert/reorg), generalized from the
// teacher's flat tx-list + sub-block hybrid into a plain UTXO chain.
package chain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/chaind-project/chaind/internal/crypto"
)

// Digest is a 32-byte opaque identifier with lexical byte-order total
// ordering, rendered as lowercase hex.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Less implements the spec's total ordering by lexical byte order.
func (d Digest) Less(other Digest) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether d is the all-zero digest (used for prev_digest of
// genesis and for the empty Merkle root).
func (d Digest) IsZero() bool { return d == Digest{} }

// Address is the 20-byte derived identifier rendered with a 0x prefix.
type Address = crypto.Address

// TxType enumerates the transaction kinds of the data model.
type TxType uint8

const (
	TxRegular TxType = iota
	TxCoinbase
	TxContract
)

func (t TxType) String() string {
	switch t {
	case TxRegular:
		return "REGULAR"
	case TxCoinbase:
		return "COINBASE"
	case TxContract:
		return "CONTRACT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// OutPoint references a specific output of a prior transaction.
type OutPoint struct {
	PrevTxDigest Digest
	OutputIndex  uint32
}

func (o OutPoint) key() string {
	return string(o.PrevTxDigest[:]) + string(u32le(o.OutputIndex))
}

// Key returns a map-stable identifier for the outpoint, used by the UTXO set
// and the state store's KV namespace.
func (o OutPoint) Key() string { return o.key() }

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
