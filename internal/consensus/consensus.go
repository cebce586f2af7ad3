// Package consensus implements the pluggable {PoW, PoA, PoS} consensus
// variant behind a single Validate/Produce/NextProposer interface. It is
// grounded on the teacher's core/consensus.go SynnergyConsensus type: the
// PoW sealing loop and reward split follow SealMainBlockPOW/
// DistributeRewards, the difficulty retarget follows retargetDifficulty,
// and PoA/PoS authority bookkeeping follows the authorityAdapter interface
// and ValidatePoS's vote-counting. chaind drops the teacher's always-on
// sub-block/proof-of-history layer: SPEC_FULL.md's three variants are
// alternatives, not a fixed three-tier hybrid (see DESIGN.md).
package consensus

import (
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/chaind-project/chaind/internal/chain"
	"github.com/chaind-project/chaind/internal/chainerrors"
)

// RetargetWindow is R, the number of blocks between difficulty retargets.
const RetargetWindow = 2016

// TargetBlockTime is the desired average seconds per block.
const TargetBlockTime = 10 * time.Second

// BlockReward is the base subsidy a coinbase transaction mints. chaind's
// coinbase is a single output that pays the whole reward, plus the selected
// transactions' fees, to the producer; the teacher's DistributeRewards
// 30/30/40 split is not applied.
var BlockReward = big.NewInt(50)

// Engine is the uniform operation set every consensus variant implements.
type Engine interface {
	Initialize() error
	ValidateBlock(b *chain.Block, parent *chain.Block) error
	Produce(ctx produceContext) (*chain.Block, error)
	NextProposer(height uint64, parentDigest chain.Digest) (*chain.Address, error)
}

// produceContext bundles what Produce needs without requiring every variant
// to depend on the mempool or node packages directly.
type produceContext struct {
	PrevDigest chain.Digest
	Height     uint64
	Timestamp  int64
	Txs        []*chain.Transaction
	Cancel     <-chan struct{}
}

// NewProduceContext constructs a produceContext; exported so callers in
// internal/node can build one without reaching into package internals.
func NewProduceContext(prevDigest chain.Digest, height uint64, timestamp int64, txs []*chain.Transaction, cancel <-chan struct{}) produceContext {
	return produceContext{PrevDigest: prevDigest, Height: height, Timestamp: timestamp, Txs: txs, Cancel: cancel}
}

// ---- Proof of Work ------------------------------------------------------

// PoW implements Engine with the nonce brute-force sealing loop and
// difficulty retargeting of core/consensus.go's SealMainBlockPOW/
// retargetDifficulty.
type PoW struct {
	difficulty   *big.Int
	blockTimes   []time.Time // most recent retargetEvery block timestamps, oldest first
	retargetEvery int
	priv         *ecdsa.PrivateKey // nil for a validate-only (non-mining) node
}

// NewPoW constructs a PoW engine at the given starting difficulty; priv may
// be nil for a node that only validates.
func NewPoW(initialDifficulty *big.Int, retargetEvery int, priv *ecdsa.PrivateKey) *PoW {
	if retargetEvery <= 0 {
		retargetEvery = RetargetWindow
	}
	return &PoW{difficulty: new(big.Int).Set(initialDifficulty), retargetEvery: retargetEvery, priv: priv}
}

func (p *PoW) Initialize() error { return nil }

func (p *PoW) ValidateBlock(b *chain.Block, parent *chain.Block) error {
	if b.Header.Height != parent.Header.Height+1 {
		return chainerrors.ErrWrongHeight
	}
	target := chain.TargetForDifficulty(b.Header.Difficulty)
	if !b.MeetsTarget(target) {
		return chainerrors.ErrTargetNotMet
	}
	return nil
}

func (p *PoW) NextProposer(height uint64, parentDigest chain.Digest) (*chain.Address, error) {
	return nil, nil // PoW has no fixed proposer; any miner may attempt a block
}

// Produce runs the nonce-enumeration sealing loop: for nonce in [0, 2^32),
// recompute the header digest; when the space is exhausted, bump the
// timestamp by one second (bounded by chain.MaxClockSkew) and restart,
// exactly as SealMainBlockPOW does.
func (p *PoW) Produce(pc produceContext) (*chain.Block, error) {
	header := chain.BlockHeader{
		Version:    1,
		PrevDigest: pc.PrevDigest,
		Timestamp:  pc.Timestamp,
		Difficulty: new(big.Int).Set(p.difficulty),
		Height:     pc.Height,
		TxCount:    uint32(len(pc.Txs)),
	}
	block := &chain.Block{Header: header, Txs: pc.Txs}
	block.RecomputeMerkleRoot()
	target := chain.TargetForDifficulty(p.difficulty)

	deadline := time.Now().Add(chain.MaxClockSkew)
	for {
		select {
		case <-pc.Cancel:
			return nil, chainerrors.ErrCancelled
		default:
		}
		for nonce := uint64(0); nonce < 1<<32; nonce++ {
			select {
			case <-pc.Cancel:
				return nil, chainerrors.ErrCancelled
			default:
			}
			block.Header.Nonce = nonce
			if block.MeetsTarget(target) {
				p.recordBlockTime(time.UnixMilli(block.Header.Timestamp))
				return block, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, chainerrors.ErrTimeout
		}
		block.Header.Timestamp += 1000
	}
}

func (p *PoW) recordBlockTime(t time.Time) {
	p.blockTimes = append(p.blockTimes, t)
	if len(p.blockTimes) > p.retargetEvery {
		p.blockTimes = p.blockTimes[len(p.blockTimes)-p.retargetEvery:]
	}
}

// Retarget adjusts difficulty to keep the observed window time close to
// R*TargetBlockTime, clamping the adjustment factor to [1/4, 4] per
// spec.md §4.5, following core/consensus.go's retargetDifficulty.
func (p *PoW) Retarget() {
	if len(p.blockTimes) < p.retargetEvery {
		return
	}
	observed := p.blockTimes[len(p.blockTimes)-1].Sub(p.blockTimes[0])
	expected := time.Duration(p.retargetEvery) * TargetBlockTime
	if observed <= 0 {
		observed = time.Nanosecond
	}

	ratio := new(big.Float).Quo(big.NewFloat(float64(expected)), big.NewFloat(float64(observed)))
	ratioF, _ := ratio.Float64()
	if ratioF > 4 {
		ratioF = 4
	}
	if ratioF < 0.25 {
		ratioF = 0.25
	}
	newDiff := new(big.Float).Mul(new(big.Float).SetInt(p.difficulty), big.NewFloat(ratioF))
	rounded, _ := newDiff.Int(nil)
	if rounded.Sign() <= 0 {
		rounded = big.NewInt(1)
	}
	p.difficulty = rounded
}

func (p *PoW) Difficulty() *big.Int { return new(big.Int).Set(p.difficulty) }
