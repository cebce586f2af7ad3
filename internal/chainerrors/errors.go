// Package chainerrors defines the sentinel error taxonomy shared by every
// component: structural, semantic, resource, transient, corruption and
// finality failures. Components wrap these with fmt.Errorf("...: %w", Err*)
// and callers discriminate with errors.Is/errors.As.
package chainerrors

import "errors"

// Structural errors: malformed input, parse failures, bad sizes, wrong types.
var (
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrInputOutputMismatch   = errors.New("sum of inputs less than sum of outputs")
	ErrEmptyInputsNonCoinbase = errors.New("non-coinbase transaction has no inputs")
	ErrOversizedTx           = errors.New("transaction exceeds maximum size")
	ErrDuplicateInput        = errors.New("duplicate input in transaction")
	ErrMalformedBlock        = errors.New("malformed block")
	ErrMerkleRootMismatch    = errors.New("merkle root does not match transactions")
	ErrTxCountMismatch       = errors.New("tx_count does not match body length")
)

// Semantic errors: valid shape, invalid content.
var (
	ErrUnauthorizedProducer = errors.New("producer is not authorized for this height")
	ErrTargetNotMet         = errors.New("block digest does not meet target")
	ErrTimestampViolation   = errors.New("block timestamp violates monotonicity or skew bound")
	ErrBadParent            = errors.New("block references unknown or invalid parent")
	ErrCancelled            = errors.New("operation cancelled")
	ErrDoubleSpend          = errors.New("input references an already-spent output")
	ErrUTXONotFound         = errors.New("referenced output not found in utxo set")
	ErrWrongHeight          = errors.New("block height does not follow parent")
)

// Resource errors: capacity, rate limiting, timeouts. Retriable by the caller.
var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrBusy             = errors.New("resource busy, try again")
	ErrTimeout          = errors.New("operation timed out")
)

// Transient errors: socket disconnects, partial reads. The owning task
// cleans up and drops the peer without banning it.
var (
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrPartialRead      = errors.New("partial read from connection")
)

// Corruption errors: storage invariants broken. Fatal; the node exits with
// code 2.
var (
	ErrCorruptStorage  = errors.New("storage invariant violated")
	ErrMissingParent   = errors.New("persisted block missing its parent")
	ErrDanglingTip     = errors.New("tip pointer references an absent block")
)

// Finality errors.
var (
	ErrFinalityViolation = errors.New("reorganization would cross a final block")
)

// Mempool-specific failure modes (§4.4).
var (
	ErrDuplicate = errors.New("duplicate mempool entry")
	ErrInvalid   = errors.New("invalid transaction")
	ErrExpired   = errors.New("mempool entry expired")
)

// Class describes which taxonomy bucket an error belongs to, used when
// deciding peer scoring and process-exit behavior at a component boundary.
type Class int

const (
	ClassStructural Class = iota
	ClassSemantic
	ClassResource
	ClassTransient
	ClassCorruption
	ClassFinality
)

func (c Class) String() string {
	switch c {
	case ClassStructural:
		return "structural"
	case ClassSemantic:
		return "semantic"
	case ClassResource:
		return "resource"
	case ClassTransient:
		return "transient"
	case ClassCorruption:
		return "corruption"
	case ClassFinality:
		return "finality"
	default:
		return "unknown"
	}
}

// ClassOf classifies a well-known sentinel for peer-scoring and logging
// purposes. Unrecognized errors default to ClassSemantic, the safest bucket
// for "surface to caller, don't crash the process".
func ClassOf(err error) Class {
	switch {
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrInputOutputMismatch),
		errors.Is(err, ErrEmptyInputsNonCoinbase), errors.Is(err, ErrOversizedTx),
		errors.Is(err, ErrDuplicateInput), errors.Is(err, ErrMalformedBlock),
		errors.Is(err, ErrMerkleRootMismatch), errors.Is(err, ErrTxCountMismatch):
		return ClassStructural
	case errors.Is(err, ErrUnauthorizedProducer), errors.Is(err, ErrTargetNotMet),
		errors.Is(err, ErrTimestampViolation), errors.Is(err, ErrBadParent),
		errors.Is(err, ErrDoubleSpend), errors.Is(err, ErrUTXONotFound),
		errors.Is(err, ErrWrongHeight):
		return ClassSemantic
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrBusy), errors.Is(err, ErrTimeout):
		return ClassResource
	case errors.Is(err, ErrPeerDisconnected), errors.Is(err, ErrPartialRead):
		return ClassTransient
	case errors.Is(err, ErrCorruptStorage), errors.Is(err, ErrMissingParent), errors.Is(err, ErrDanglingTip):
		return ClassCorruption
	case errors.Is(err, ErrFinalityViolation):
		return ClassFinality
	default:
		return ClassSemantic
	}
}
