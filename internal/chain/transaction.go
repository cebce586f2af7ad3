package chain

import (
	"crypto/ecdsa"
	"crypto/sha256"

	"github.com/chaind-project/chaind/internal/chainerrors"
	"github.com/chaind-project/chaind/internal/crypto"
)

// MaxTxSizeBytes bounds transaction bytes per §4.2.
const MaxTxSizeBytes = 128 * 1024

// TxInput references a prior output and carries the spending signature.
type TxInput struct {
	PrevTxDigest Digest
	OutputIndex  uint32
	Signature    []byte
	PublicKey    []byte
	Sequence     uint32
}

func (in TxInput) outpoint() OutPoint {
	return OutPoint{PrevTxDigest: in.PrevTxDigest, OutputIndex: in.OutputIndex}
}

// TxOutput is a spendable value assignment.
type TxOutput struct {
	Value     uint64
	Recipient Address
	Script    []byte
	Index     uint32
}

// Transaction is a record of inputs, outputs, and metadata per §3.
type Transaction struct {
	Version  uint32
	Inputs   []TxInput
	Outputs  []TxOutput
	LockTime uint32
	Type     TxType
	Timestamp int64 // unix ms

	identity   Digest
	identitySet bool
}

// canonicalPreimage serializes every field except input signatures: the
// asymmetry documented in SPEC_FULL.md §4 (identity is computed post-sign,
// but the pre-image used for signing excludes the signature being produced).
// Field-ordered, length-prefixed, little-endian for scalars.
func (tx *Transaction) canonicalPreimage(includeSignatures bool) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, u32le(tx.Version)...)
	buf = append(buf, byte(tx.Type))
	buf = append(buf, u32le(tx.LockTime)...)
	buf = append(buf, u64le(uint64(tx.Timestamp))...)

	buf = append(buf, u32le(uint32(len(tx.Inputs)))...)
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevTxDigest[:]...)
		buf = append(buf, u32le(in.OutputIndex)...)
		buf = append(buf, u32le(in.Sequence)...)
		if includeSignatures {
			buf = append(buf, u32le(uint32(len(in.Signature)))...)
			buf = append(buf, in.Signature...)
			buf = append(buf, u32le(uint32(len(in.PublicKey)))...)
			buf = append(buf, in.PublicKey...)
		}
	}

	buf = append(buf, u32le(uint32(len(tx.Outputs)))...)
	for _, out := range tx.Outputs {
		buf = append(buf, u64le(out.Value)...)
		buf = append(buf, out.Recipient[:]...)
		buf = append(buf, u32le(out.Index)...)
		buf = append(buf, u32le(uint32(len(out.Script)))...)
		buf = append(buf, out.Script...)
	}
	return buf
}

// SignaturePreimage returns the bytes each input's signature is computed
// over: the canonical record without any signature bytes.
func (tx *Transaction) SignaturePreimage() Digest {
	return sha256.Sum256(tx.canonicalPreimage(false))
}

// Sign signs every input's signature preimage with priv and stamps the
// resulting public key and signature onto each input. Coinbase transactions
// (no inputs) are a no-op.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	if tx.identitySet {
		return chainerrors.ErrMalformedBlock
	}
	preimage := tx.SignaturePreimage()
	pub := crypto.PublicKeyToAddress(&priv.PublicKey)
	pubBytes := crypto.SerializePublicKey(priv)
	for i := range tx.Inputs {
		sig, err := crypto.Sign(preimage, priv)
		if err != nil {
			return err
		}
		tx.Inputs[i].Signature = sig
		tx.Inputs[i].PublicKey = pubBytes
		_ = pub
	}
	return nil
}

// VerifySignatures checks that every input's signature verifies against the
// signature preimage and recovers an address matching the claimed output
// owner; callers supply a lookup from outpoint to the consumed output so the
// recipient address can be checked.
func (tx *Transaction) VerifySignatures(lookup func(OutPoint) (TxOutput, bool)) error {
	if tx.Type == TxCoinbase {
		return nil
	}
	if len(tx.Inputs) == 0 {
		return chainerrors.ErrEmptyInputsNonCoinbase
	}
	preimage := tx.SignaturePreimage()
	for _, in := range tx.Inputs {
		out, ok := lookup(in.outpoint())
		if !ok {
			return chainerrors.ErrUTXONotFound
		}
		addr, err := crypto.RecoverAddress(preimage, in.Signature)
		if err != nil {
			return chainerrors.ErrInvalidSignature
		}
		if addr != out.Recipient {
			return chainerrors.ErrInvalidSignature
		}
	}
	return nil
}

// Identity is the digest of the canonical, deterministic serialization
// covering every field including signatures (the post-sign convention of
// SPEC_FULL.md §4). Once computed, the transaction is immutable: further
// calls to Sign return an error.
func (tx *Transaction) Identity() Digest {
	if !tx.identitySet {
		tx.identity = sha256.Sum256(tx.canonicalPreimage(true))
		tx.identitySet = true
	}
	return tx.identity
}

// ValidateStructural checks the structural invariants of §4.2 independent of
// UTXO/signature state: size bound, non-empty inputs for non-coinbase, and
// no duplicate inputs. The sum of output values is not checked for overflow.
func (tx *Transaction) ValidateStructural() error {
	if tx.SizeBytes() > MaxTxSizeBytes {
		return chainerrors.ErrOversizedTx
	}
	if tx.Type != TxCoinbase && len(tx.Inputs) == 0 {
		return chainerrors.ErrEmptyInputsNonCoinbase
	}
	seen := make(map[OutPoint]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		op := in.outpoint()
		if _, dup := seen[op]; dup {
			return chainerrors.ErrDuplicateInput
		}
		seen[op] = struct{}{}
	}
	return nil
}

// ValidateAgainstUTXO checks Σinputs ≥ Σoutputs given a resolver of
// consumed outputs; coinbase transactions are exempt per §3.
func (tx *Transaction) ValidateAgainstUTXO(lookup func(OutPoint) (TxOutput, bool)) error {
	if tx.Type == TxCoinbase {
		return nil
	}
	var inSum, outSum uint64
	for _, in := range tx.Inputs {
		out, ok := lookup(in.outpoint())
		if !ok {
			return chainerrors.ErrUTXONotFound
		}
		inSum += out.Value
	}
	for _, out := range tx.Outputs {
		outSum += out.Value
	}
	if inSum < outSum {
		return chainerrors.ErrInputOutputMismatch
	}
	return nil
}

// SizeBytes returns the canonical serialized size including signatures.
func (tx *Transaction) SizeBytes() int {
	return len(tx.canonicalPreimage(true))
}

// InputOutpoints returns the set of outpoints this transaction consumes.
func (tx *Transaction) InputOutpoints() []OutPoint {
	out := make([]OutPoint, len(tx.Inputs))
	for i, in := range tx.Inputs {
		out[i] = in.outpoint()
	}
	return out
}
