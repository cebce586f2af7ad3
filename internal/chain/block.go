package chain

import (
	"crypto/sha256"
	"math/big"
	"time"

	"github.com/chaind-project/chaind/internal/chainerrors"
	"github.com/chaind-project/chaind/internal/merkle"
)

// MaxClockSkew bounds how far a block's timestamp may sit in the future
// relative to the validating node's clock, per §4.3.
const MaxClockSkew = 2 * time.Hour

// BlockHeader is the committed, hashed portion of a block.
type BlockHeader struct {
	Version     uint32
	PrevDigest  Digest
	MerkleRoot  Digest
	Timestamp   int64 // unix ms
	Nonce       uint64
	Difficulty  *big.Int
	Height      uint64
	TxCount     uint32

	// ProducerSignature and ProducerPubKey carry the PoA/PoS producer's
	// signature over the header digest computed without this field; PoW
	// blocks leave both nil.
	ProducerSignature []byte
	ProducerPubKey    []byte
}

// canonicalBytes serializes the header, field-ordered and length-prefixed,
// excluding the producer signature (the signature's own pre-image).
func (h *BlockHeader) canonicalBytes() []byte {
	diff := h.Difficulty
	if diff == nil {
		diff = new(big.Int)
	}
	diffBytes := diff.Bytes()

	buf := make([]byte, 0, 128)
	buf = append(buf, u32le(h.Version)...)
	buf = append(buf, h.PrevDigest[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = append(buf, u64le(uint64(h.Timestamp))...)
	buf = append(buf, u64le(h.Nonce)...)
	buf = append(buf, u32le(uint32(len(diffBytes)))...)
	buf = append(buf, diffBytes...)
	buf = append(buf, u64le(h.Height)...)
	buf = append(buf, u32le(h.TxCount)...)
	buf = append(buf, u32le(uint32(len(h.ProducerPubKey)))...)
	buf = append(buf, h.ProducerPubKey...)
	return buf
}

// SigningDigest is the pre-image a PoA/PoS producer signs.
func (h *BlockHeader) SigningDigest() Digest {
	return sha256.Sum256(h.canonicalBytes())
}

// Identity is the digest of the header's canonical serialization, including
// the producer signature where present; the body is committed only through
// MerkleRoot.
func (h *BlockHeader) Identity() Digest {
	buf := h.canonicalBytes()
	buf = append(buf, u32le(uint32(len(h.ProducerSignature)))...)
	buf = append(buf, h.ProducerSignature...)
	return sha256.Sum256(buf)
}

// Block is a header plus an ordered transaction body.
type Block struct {
	Header BlockHeader
	Txs    []*Transaction
}

// Identity is the block header's digest.
func (b *Block) Identity() Digest { return b.Header.Identity() }

// RecomputeMerkleRoot rebuilds the Merkle root over the transactions'
// identities in order and stores it on the header.
func (b *Block) RecomputeMerkleRoot() Digest {
	leaves := make([][]byte, len(b.Txs))
	for i, tx := range b.Txs {
		id := tx.Identity()
		leaves[i] = id[:]
	}
	root := merkle.Build(leaves).Root()
	var d Digest
	copy(d[:], root[:])
	b.Header.MerkleRoot = d
	return d
}

// MerkleProof returns an inclusion proof for the transaction at index i.
func (b *Block) MerkleProof(i int) (merkle.InclusionProof, error) {
	leaves := make([][]byte, len(b.Txs))
	for idx, tx := range b.Txs {
		id := tx.Identity()
		leaves[idx] = id[:]
	}
	return merkle.Build(leaves).Proof(i)
}

// ValidateStructural checks the invariants of §4.3 that don't depend on
// chain or consensus context: tx_count matches body length, Merkle root
// matches, first tx is COINBASE iff height > 0, and timestamp skew.
func (b *Block) ValidateStructural(now time.Time) error {
	if int(b.Header.TxCount) != len(b.Txs) {
		return chainerrors.ErrTxCountMismatch
	}
	leaves := make([][]byte, len(b.Txs))
	for i, tx := range b.Txs {
		id := tx.Identity()
		leaves[i] = id[:]
	}
	root := merkle.Build(leaves).Root()
	var computed Digest
	copy(computed[:], root[:])
	if computed != b.Header.MerkleRoot {
		return chainerrors.ErrMerkleRootMismatch
	}
	if b.Header.Height > 0 {
		if len(b.Txs) == 0 || b.Txs[0].Type != TxCoinbase {
			return chainerrors.ErrMalformedBlock
		}
		for _, tx := range b.Txs[1:] {
			if tx.Type == TxCoinbase {
				return chainerrors.ErrMalformedBlock
			}
		}
	} else if len(b.Txs) > 0 && b.Txs[0].Type == TxCoinbase {
		return chainerrors.ErrMalformedBlock
	}
	maxFuture := now.Add(MaxClockSkew).UnixMilli()
	if b.Header.Timestamp > maxFuture {
		return chainerrors.ErrTimestampViolation
	}
	return nil
}

// MaxTarget is 2^256 - 1, the PoW target ceiling.
var MaxTarget = func() *big.Int {
	one := big.NewInt(1)
	max := new(big.Int).Lsh(one, 256)
	return max.Sub(max, one)
}()

// TargetForDifficulty computes target(d) = maxTarget / d per SPEC_FULL.md's
// frozen full-256-bit encoding (§9 open question 2).
func TargetForDifficulty(difficulty *big.Int) *big.Int {
	if difficulty == nil || difficulty.Sign() <= 0 {
		return new(big.Int).Set(MaxTarget)
	}
	return new(big.Int).Div(MaxTarget, difficulty)
}

// MeetsTarget reports whether the block's identity digest, read as a
// big-endian integer, is at most target.
func (b *Block) MeetsTarget(target *big.Int) bool {
	id := b.Identity()
	asInt := new(big.Int).SetBytes(id[:])
	return asInt.Cmp(target) <= 0
}
