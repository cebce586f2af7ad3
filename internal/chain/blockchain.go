package chain

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/chaind-project/chaind/internal/chainerrors"
)

// ChainWeight selects the fork-choice rule a Chain applies when more than
// one branch descends from a common ancestor, generalizing the teacher's
// longest-branch-only RecoverLongestFork into a configurable policy.
type ChainWeight int

const (
	WeightLongest ChainWeight = iota
	WeightHeaviest
	WeightGHOST
)

// DefaultFinalityDepth is the PoS k-confirmations heuristic: a block with at
// least this many descendants on the canonical chain cannot be reverted.
const DefaultFinalityDepth = 6

// indexEntry is one node of the block tree, including the bookkeeping
// needed to revert it if its branch is later abandoned.
type indexEntry struct {
	block    *Block
	height   uint64
	work     *big.Int // cumulative difficulty from genesis to this block
	parent   Digest
	children []Digest

	// applied, spent and added are populated the first time this block is
	// applied to the live UTXO set (whether on first arrival at the tip or
	// during a later reorg) so a subsequent revert is exact.
	applied bool
	spent   map[OutPoint]TxOutput
	added   []OutPoint
}

func blockWork(h *BlockHeader) *big.Int {
	if h.Difficulty == nil || h.Difficulty.Sign() <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Set(h.Difficulty)
}

// Chain is the canonical chain, its known-but-unreconciled side branches,
// and the live UTXO set for the currently canonical tip. It is grounded on
// core/ledger.go's applyBlock/RebuildChain and core/chain_fork_manager.go's
// AddForkBlock/ResolveForks/RecoverLongestFork, generalized from the
// teacher's longest-branch-only heuristic to a configurable weight rule and
// made atomic via a single mutex guarding every mutation.
type Chain struct {
	mu sync.Mutex

	weight         ChainWeight
	finalityDepth  uint64
	entries        map[Digest]*indexEntry
	genesisDigest  Digest
	tip            Digest
	utxo           map[OutPoint]TxOutput

	onRevert func([]*Transaction)
}

// SetOnRevert installs the hook invoked, outside the chain's lock, with the
// non-coinbase transactions of a branch abandoned by a reorg, in
// ancestor-to-tip order, once the new branch is committed. Mirrors
// mempool.Pool's Publish hook; wired by the node to re-admit those
// transactions into the mempool per §4.8 step 4.
func (c *Chain) SetOnRevert(fn func([]*Transaction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRevert = fn
}

// NewChain seeds the chain with a validated genesis block.
func NewChain(genesis *Block, weight ChainWeight, finalityDepth uint64) (*Chain, error) {
	if err := genesis.ValidateStructural(time.Now()); err != nil {
		return nil, fmt.Errorf("chain: invalid genesis: %w", err)
	}
	if !genesis.Header.PrevDigest.IsZero() {
		return nil, fmt.Errorf("chain: genesis must have a zero prev_digest: %w", chainerrors.ErrMalformedBlock)
	}
	if finalityDepth == 0 {
		finalityDepth = DefaultFinalityDepth
	}
	id := genesis.Identity()
	c := &Chain{
		weight:        weight,
		finalityDepth: finalityDepth,
		entries:       make(map[Digest]*indexEntry),
		genesisDigest: id,
		tip:           id,
		utxo:          make(map[OutPoint]TxOutput),
	}
	entry := &indexEntry{block: genesis, height: 0, work: blockWork(&genesis.Header)}
	spent, added, err := c.materialize(genesis)
	if err != nil {
		return nil, fmt.Errorf("chain: apply genesis: %w", err)
	}
	entry.applied, entry.spent, entry.added = true, spent, added
	c.entries[id] = entry
	return c, nil
}

// materialize mutates the live UTXO set for block's transactions and
// reports what it consumed/created, without validating signatures — callers
// validate before calling this.
func (c *Chain) materialize(block *Block) (map[OutPoint]TxOutput, []OutPoint, error) {
	spent := make(map[OutPoint]TxOutput)
	var added []OutPoint
	for _, tx := range block.Txs {
		if tx.Type != TxCoinbase {
			for _, op := range tx.InputOutpoints() {
				out, ok := c.utxo[op]
				if !ok {
					return nil, nil, chainerrors.ErrUTXONotFound
				}
				spent[op] = out
				delete(c.utxo, op)
			}
		}
		id := tx.Identity()
		for _, out := range tx.Outputs {
			op := OutPoint{PrevTxDigest: id, OutputIndex: out.Index}
			c.utxo[op] = out
			added = append(added, op)
		}
	}
	return spent, added, nil
}

// dematerialize undoes exactly what materialize produced, restoring the
// live UTXO set to its state before block was applied.
func (c *Chain) dematerialize(entry *indexEntry) {
	for _, op := range entry.added {
		delete(c.utxo, op)
	}
	for op, out := range entry.spent {
		c.utxo[op] = out
	}
}

func (c *Chain) utxoLookup(op OutPoint) (TxOutput, bool) {
	out, ok := c.utxo[op]
	return out, ok
}

// validateBlockAgainstLiveUTXO runs every context-sensitive check of §4.2/4.3
// that depends on the live UTXO set: per-tx structural validity, signature
// verification, and input/output balance.
func (c *Chain) validateBlockAgainstLiveUTXO(block *Block) error {
	for _, tx := range block.Txs {
		if err := tx.ValidateStructural(); err != nil {
			return err
		}
		if err := tx.VerifySignatures(c.utxoLookup); err != nil {
			return err
		}
		if err := tx.ValidateAgainstUTXO(c.utxoLookup); err != nil {
			return err
		}
	}
	return nil
}

// TryApply admits a new block into the known block tree and, if its branch
// becomes the best chain under the configured weight rule, performs the
// full reorganization protocol. It returns chainerrors.ErrBadParent if the
// parent is unknown (the caller should buffer the block as an orphan and
// retry once the parent arrives).
func (c *Chain) TryApply(block *Block) error {
	reverted, err := c.tryApplyLocked(block)
	c.mu.Lock()
	onRevert := c.onRevert
	c.mu.Unlock()
	if len(reverted) > 0 && onRevert != nil {
		onRevert(reverted)
	}
	return err
}

// tryApplyLocked does the work of TryApply and additionally returns the
// non-coinbase transactions of any branch a reorg abandoned, for the caller
// to re-publish once the lock is released.
func (c *Chain) tryApplyLocked(block *Block) ([]*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := block.ValidateStructural(time.Now()); err != nil {
		return nil, err
	}
	id := block.Identity()
	if _, exists := c.entries[id]; exists {
		return nil, nil // already known; not an error, matches idempotent gossip delivery
	}
	parent, ok := c.entries[block.Header.PrevDigest]
	if !ok {
		return nil, chainerrors.ErrBadParent
	}
	if block.Header.Height != parent.height+1 {
		return nil, chainerrors.ErrWrongHeight
	}
	if block.Header.Timestamp <= parent.block.Header.Timestamp {
		return nil, chainerrors.ErrTimestampViolation
	}

	entry := &indexEntry{
		block:  block,
		height: block.Header.Height,
		work:   new(big.Int).Add(parent.work, blockWork(&block.Header)),
		parent: block.Header.PrevDigest,
	}
	c.entries[id] = entry
	parent.children = append(parent.children, id)

	if block.Header.PrevDigest == c.tip {
		if err := c.validateBlockAgainstLiveUTXO(block); err != nil {
			delete(c.entries, id)
			parent.children = parent.children[:len(parent.children)-1]
			return nil, err
		}
		spent, added, err := c.materialize(block)
		if err != nil {
			delete(c.entries, id)
			parent.children = parent.children[:len(parent.children)-1]
			return nil, err
		}
		entry.applied, entry.spent, entry.added = true, spent, added
		c.tip = id
		return nil, nil
	}

	return c.handleNewTipLocked()
}

// handleNewTipLocked recomputes the best block under the configured weight
// rule and, if it differs from the current tip, reorganizes onto it. Caller
// holds c.mu.
func (c *Chain) handleNewTipLocked() ([]*Transaction, error) {
	best := c.bestCandidateLocked()
	if best == c.tip {
		return nil, nil
	}
	return c.reorganizeLocked(best)
}

func (c *Chain) bestCandidateLocked() Digest {
	switch c.weight {
	case WeightHeaviest:
		return c.heaviestLocked()
	case WeightGHOST:
		return c.ghostTipLocked()
	default:
		return c.longestLocked()
	}
}

func (c *Chain) longestLocked() Digest {
	best := c.genesisDigest
	bestHeight := c.entries[best].height
	for d, e := range c.entries {
		if e.height > bestHeight || (e.height == bestHeight && d.Less(best)) {
			best, bestHeight = d, e.height
		}
	}
	return best
}

func (c *Chain) heaviestLocked() Digest {
	best := c.genesisDigest
	bestWork := c.entries[best].work
	for d, e := range c.entries {
		cmp := e.work.Cmp(bestWork)
		if cmp > 0 || (cmp == 0 && d.Less(best)) {
			best, bestWork = d, e.work
		}
	}
	return best
}

// ghostTipLocked implements GHOST: walk from genesis repeatedly stepping to
// the child whose subtree (including every known descendant on every
// branch, not just the canonical one) carries the greatest total work.
func (c *Chain) ghostTipLocked() Digest {
	memo := make(map[Digest]*big.Int, len(c.entries))
	var subtreeWork func(d Digest) *big.Int
	subtreeWork = func(d Digest) *big.Int {
		if w, ok := memo[d]; ok {
			return w
		}
		e := c.entries[d]
		total := blockWork(&e.block.Header)
		for _, child := range e.children {
			total = new(big.Int).Add(total, subtreeWork(child))
		}
		memo[d] = total
		return total
	}
	for d := range c.entries {
		subtreeWork(d)
	}

	cur := c.genesisDigest
	for {
		children := c.entries[cur].children
		if len(children) == 0 {
			return cur
		}
		best := children[0]
		for _, child := range children[1:] {
			cmp := memo[child].Cmp(memo[best])
			if cmp > 0 || (cmp == 0 && child.Less(best)) {
				best = child
			}
		}
		cur = best
	}
}

// CommonAncestor walks both branches back via parent pointers, first
// equalizing height then stepping together, per §4.8's reorg protocol.
func (c *Chain) CommonAncestor(a, b Digest) (Digest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commonAncestorLocked(a, b)
}

func (c *Chain) commonAncestorLocked(a, b Digest) (Digest, error) {
	ea, ok := c.entries[a]
	if !ok {
		return Digest{}, fmt.Errorf("chain: unknown digest %s: %w", a, chainerrors.ErrMissingParent)
	}
	eb, ok := c.entries[b]
	if !ok {
		return Digest{}, fmt.Errorf("chain: unknown digest %s: %w", b, chainerrors.ErrMissingParent)
	}
	for ea.height > eb.height {
		a = ea.parent
		ea = c.entries[a]
	}
	for eb.height > ea.height {
		b = eb.parent
		eb = c.entries[b]
	}
	for a != b {
		a = ea.parent
		ea = c.entries[a]
		b = eb.parent
		eb = c.entries[b]
	}
	return a, nil
}

// reorganizeLocked performs the revert-then-apply protocol described in
// §4.8: it reverts the current branch down to the common ancestor, applies
// the candidate branch's blocks in height order, and on any validation
// failure restores the original tip exactly, leaving the chain unchanged. On
// success it returns the abandoned branch's non-coinbase transactions, in
// ancestor-to-tip order, for the caller to return to the mempool (§4.8 step
// 4); re-admission re-runs validation, so a tx the candidate branch already
// includes or conflicts with is simply rejected there.
func (c *Chain) reorganizeLocked(candidate Digest) ([]*Transaction, error) {
	ancestor, err := c.commonAncestorLocked(c.tip, candidate)
	if err != nil {
		return nil, err
	}
	ancestorHeight := c.entries[ancestor].height
	tipHeight := c.entries[c.tip].height
	finalizedHeight := int64(tipHeight) - int64(c.finalityDepth)
	if finalizedHeight > 0 && int64(ancestorHeight) < finalizedHeight {
		return nil, chainerrors.ErrFinalityViolation
	}

	revertPath := c.pathToAncestorLocked(c.tip, ancestor)
	applyPath := c.pathToAncestorLocked(candidate, ancestor)

	for _, d := range revertPath {
		entry := c.entries[d]
		if entry.applied {
			c.dematerialize(entry)
			entry.applied = false
			entry.spent, entry.added = nil, nil
		}
	}

	var appliedSoFar []*indexEntry
	for i := len(applyPath) - 1; i >= 0; i-- {
		d := applyPath[i]
		entry := c.entries[d]
		if err := c.validateBlockAgainstLiveUTXO(entry.block); err != nil {
			c.rollbackFailedReorg(appliedSoFar, revertPath)
			return nil, err
		}
		spent, added, merr := c.materialize(entry.block)
		if merr != nil {
			c.rollbackFailedReorg(appliedSoFar, revertPath)
			return nil, merr
		}
		entry.applied, entry.spent, entry.added = true, spent, added
		appliedSoFar = append(appliedSoFar, entry)
	}

	c.tip = candidate

	var reverted []*Transaction
	for i := len(revertPath) - 1; i >= 0; i-- {
		for _, tx := range c.entries[revertPath[i]].block.Txs {
			if tx.Type != TxCoinbase {
				reverted = append(reverted, tx)
			}
		}
	}
	return reverted, nil
}

// rollbackFailedReorg undoes a partially-applied candidate branch and
// restores the original branch's live UTXO effects, leaving the chain
// exactly as it was before the attempted reorg.
func (c *Chain) rollbackFailedReorg(appliedSoFar []*indexEntry, revertPath []Digest) {
	for i := len(appliedSoFar) - 1; i >= 0; i-- {
		entry := appliedSoFar[i]
		c.dematerialize(entry)
		entry.applied, entry.spent, entry.added = false, nil, nil
	}
	for i := len(revertPath) - 1; i >= 0; i-- {
		entry := c.entries[revertPath[i]]
		spent, added, err := c.materialize(entry.block)
		if err != nil {
			panic(fmt.Sprintf("chain: irrecoverable state during reorg rollback: %v", err))
		}
		entry.applied, entry.spent, entry.added = true, spent, added
	}
}

// pathToAncestorLocked returns the digests from from back towards ancestor,
// including from and excluding ancestor.
func (c *Chain) pathToAncestorLocked(from, ancestor Digest) []Digest {
	var path []Digest
	cur := from
	for cur != ancestor {
		path = append(path, cur)
		cur = c.entries[cur].parent
	}
	return path
}

// BestBlock returns the current canonical tip.
func (c *Chain) BestBlock() *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[c.tip].block
}

// Genesis returns the chain's genesis block.
func (c *Chain) Genesis() *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[c.genesisDigest].block
}

// GetBlockByDigest looks up any known block, canonical or on a side branch.
func (c *Chain) GetBlockByDigest(d Digest) (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[d]
	if !ok {
		return nil, false
	}
	return e.block, true
}

// GetBlockByHeight walks the canonical chain from the tip to find the block
// at height h; returns false if h exceeds the tip's height.
func (c *Chain) GetBlockByHeight(h uint64) (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.tip
	for {
		e := c.entries[cur]
		if e.height == h {
			return e.block, true
		}
		if e.height < h {
			return nil, false
		}
		cur = e.parent
	}
}

// Height returns the canonical tip's height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[c.tip].height
}

// UTXOLookup exposes the live UTXO set to callers outside the package (the
// mempool validates candidate transactions against it before admission).
func (c *Chain) UTXOLookup(op OutPoint) (TxOutput, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utxoLookup(op)
}

// IsFinal reports whether the block at digest d has accumulated at least
// finalityDepth confirmations on the canonical chain and can no longer be
// reverted by TryApply's fork-choice rule.
func (c *Chain) IsFinal(d Digest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[d]
	if !ok {
		return false
	}
	tipHeight := c.entries[c.tip].height
	return int64(tipHeight)-int64(e.height) >= int64(c.finalityDepth)
}

// BalanceOf sums every live UTXO paying addr, the canonical source of truth
// for address balances (account-model Balance bookkeeping in internal/state
// is reserved for contract storage, not spendable value).
func (c *Chain) BalanceOf(addr Address) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, out := range c.utxo {
		if out.Recipient == addr {
			total += out.Value
		}
	}
	return total
}
