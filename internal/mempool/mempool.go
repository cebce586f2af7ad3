// Package mempool implements the bounded, thread-safe pending-transaction
// pool: admission, a single validation worker, capacity eviction, expiry,
// and a deterministic block-draining priority function. It is grounded on
// the teacher's core/transactions.go TxPool (NewTxPool/AddTx/Pick/Snapshot),
// generalized from the teacher's simple byte-slice queue into the
// full MempoolEntry lifecycle (validated flag, propagation tracking,
// expiry) that the original_source/include/network/transaction_mempool.h
// TransactionMempool class describes but the distilled teacher code omits.
package mempool

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/chaind-project/chaind/internal/chain"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is N, the default bounded entry count.
const DefaultCapacity = 10000

// DefaultExpiry is T, the default per-entry time-to-live.
const DefaultExpiry = 24 * time.Hour

// AdmissionResult reports which of the four add_tx outcomes occurred.
type AdmissionResult int

const (
	Accepted AdmissionResult = iota
	DuplicateDropped
	CapacityEvicted
	Rejected
)

// Entry is the bookkeeping record kept per pending transaction.
type Entry struct {
	Tx               *chain.Transaction
	ReceivedAt       time.Time
	LastPropagatedAt time.Time
	PropagatedTo     map[string]struct{}
	IsValidated      bool
	SourcePeer       string

	listElem *list.Element
}

// UTXOLookup resolves an outpoint against the live chain state; the
// validation worker uses it for validate_against_utxo.
type UTXOLookup func(chain.OutPoint) (chain.TxOutput, bool)

// MisbehaviorReporter is the narrow back-channel the validation worker uses
// to report a bad transaction back to whichever peer supplied it, without
// holding a direct reference to the peer registry (spec's "no component
// holds a pointer to another" requirement).
type MisbehaviorReporter func(peer string, reason error)

// Pool is the thread-safe pending-transaction pool.
type Pool struct {
	mu sync.Mutex

	capacity int
	expiry   time.Duration

	entries map[chain.Digest]*Entry
	order   *list.List // oldest-first by received_at, for O(1) eviction

	validationQueue chan chain.Digest
	utxoLookup      UTXOLookup
	reportBad       MisbehaviorReporter
	publish         func(chain.Digest)

	duplicatesFiltered uint64
	capacityEvictions  uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config parameterizes a Pool.
type Config struct {
	Capacity   int
	Expiry     time.Duration
	UTXOLookup UTXOLookup
	ReportBad  MisbehaviorReporter
	Publish    func(chain.Digest) // propagation hook, called on successful admission
}

// New constructs a Pool and starts its single validation worker.
func New(cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	p := &Pool{
		capacity:        cfg.Capacity,
		expiry:          cfg.Expiry,
		entries:         make(map[chain.Digest]*Entry),
		order:           list.New(),
		validationQueue: make(chan chain.Digest, cfg.Capacity),
		utxoLookup:      cfg.UTXOLookup,
		reportBad:       cfg.ReportBad,
		publish:         cfg.Publish,
		stop:            make(chan struct{}),
	}
	p.wg.Add(1)
	go p.validationWorker()
	return p
}

// AddTx implements the add_tx admission protocol of §4.4 exactly: reject
// duplicates, evict the oldest at capacity, insert unvalidated, enqueue for
// validation, publish the propagation hook on success.
func (p *Pool) AddTx(tx *chain.Transaction, sourcePeer string) AdmissionResult {
	id := tx.Identity()

	p.mu.Lock()
	if _, exists := p.entries[id]; exists {
		p.duplicatesFiltered++
		p.mu.Unlock()
		return DuplicateDropped
	}

	result := Accepted
	if len(p.entries) >= p.capacity {
		p.evictOldestLocked()
		result = CapacityEvicted
		p.capacityEvictions++
	}

	entry := &Entry{
		Tx:           tx,
		ReceivedAt:   time.Now(),
		PropagatedTo: make(map[string]struct{}),
		SourcePeer:   sourcePeer,
	}
	entry.listElem = p.order.PushBack(id)
	p.entries[id] = entry
	p.mu.Unlock()

	select {
	case p.validationQueue <- id:
	default:
		logrus.Warn("mempool: validation queue full, entry admitted but not queued for validation")
	}

	if p.publish != nil {
		p.publish(id)
	}
	return result
}

// evictOldestLocked removes the entry at the front of the order list. Caller
// holds p.mu.
func (p *Pool) evictOldestLocked() {
	front := p.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(chain.Digest)
	p.order.Remove(front)
	delete(p.entries, id)
}

// validationWorker is the single consumer of the validation queue: it runs
// verify_signatures ∧ validate_against_utxo and sets is_validated on
// success, else evicts and reports misbehavior.
func (p *Pool) validationWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case id, ok := <-p.validationQueue:
			if !ok {
				return
			}
			p.validateOne(id)
		}
	}
}

func (p *Pool) validateOne(id chain.Digest) {
	p.mu.Lock()
	entry, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return // already evicted (expired or capacity pressure) before validation ran
	}

	var lookup UTXOLookup = func(chain.OutPoint) (chain.TxOutput, bool) { return chain.TxOutput{}, false }
	if p.utxoLookup != nil {
		lookup = p.utxoLookup
	}

	if err := entry.Tx.VerifySignatures(lookup); err != nil {
		p.evictAndReport(id, entry.SourcePeer, err)
		return
	}
	if err := entry.Tx.ValidateAgainstUTXO(lookup); err != nil {
		p.evictAndReport(id, entry.SourcePeer, err)
		return
	}

	p.mu.Lock()
	if e, stillPresent := p.entries[id]; stillPresent {
		e.IsValidated = true
	}
	p.mu.Unlock()
}

func (p *Pool) evictAndReport(id chain.Digest, sourcePeer string, cause error) {
	p.mu.Lock()
	if entry, ok := p.entries[id]; ok {
		p.order.Remove(entry.listElem)
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if sourcePeer != "" && p.reportBad != nil {
		p.reportBad(sourcePeer, cause)
	}
}

// MarkPropagated records that id has been sent to peer, so the propagation
// hook and future re-gossip rounds can exclude already-informed peers.
func (p *Pool) MarkPropagated(id chain.Digest, peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return
	}
	entry.PropagatedTo[peer] = struct{}{}
	entry.LastPropagatedAt = time.Now()
}

// Contains reports whether id is currently pending.
func (p *Pool) Contains(id chain.Digest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// GetTx returns the pending transaction for id, if present, for serving
// GETDATA requests.
func (p *Pool) GetTx(id chain.Digest) (*chain.Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return entry.Tx, true
}

// Remove deletes id unconditionally, used once its transaction appears in a
// committed block.
func (p *Pool) Remove(id chain.Digest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[id]; ok {
		p.order.Remove(entry.listElem)
		delete(p.entries, id)
	}
}

// Size returns the current entry count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats reports the counters the API's get_mempool_info exposes.
type Stats struct {
	Size               int
	DuplicatesFiltered uint64
	CapacityEvictions  uint64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:               len(p.entries),
		DuplicatesFiltered: p.duplicatesFiltered,
		CapacityEvictions:  p.capacityEvictions,
	}
}

// feePerByte approximates fee-per-byte priority from a coinbase-free
// assumption: the caller supplies a fee lookup since fee is the difference
// between consumed and produced value, which requires UTXO context the
// mempool entry alone doesn't carry. When no fee function is supplied,
// entries sort by received_at then identity only.
type FeeLookup func(tx *chain.Transaction) uint64

// TakeForBlock returns validated transactions in the fee-per-byte descending
// priority of §4.4, ties broken by earliest received_at then identity lexical
// order; a transaction that would exceed maxBytes is skipped and later,
// smaller ones may still be taken. It is a single atomic snapshot:
// transactions admitted after this call are never included in its result.
func (p *Pool) TakeForBlock(maxCount int, maxBytes int, feeOf FeeLookup) []*chain.Transaction {
	p.mu.Lock()
	candidates := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.IsValidated {
			candidates = append(candidates, e)
		}
	}
	p.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := feePerByte(candidates[i].Tx, feeOf), feePerByte(candidates[j].Tx, feeOf)
		if fi != fj {
			return fi > fj
		}
		if !candidates[i].ReceivedAt.Equal(candidates[j].ReceivedAt) {
			return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
		}
		idI, idJ := candidates[i].Tx.Identity(), candidates[j].Tx.Identity()
		return idI.Less(idJ)
	})

	var out []*chain.Transaction
	totalBytes := 0
	for _, e := range candidates {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		size := e.Tx.SizeBytes()
		if maxBytes > 0 && totalBytes+size > maxBytes {
			continue
		}
		out = append(out, e.Tx)
		totalBytes += size
	}
	return out
}

func feePerByte(tx *chain.Transaction, feeOf FeeLookup) float64 {
	if feeOf == nil {
		return 0
	}
	size := tx.SizeBytes()
	if size == 0 {
		return 0
	}
	return float64(feeOf(tx)) / float64(size)
}

// ExpireStale removes every entry whose received_at is older than the
// configured expiry, run by the runtime's periodic cleanup task.
func (p *Pool) ExpireStale() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.expiry)
	var expired []chain.Digest
	for e := p.order.Front(); e != nil; e = e.Next() {
		id := e.Value.(chain.Digest)
		entry := p.entries[id]
		if entry.ReceivedAt.Before(cutoff) {
			expired = append(expired, id)
		} else {
			break // order list is oldest-first, so the rest are newer
		}
	}
	for _, id := range expired {
		entry := p.entries[id]
		p.order.Remove(entry.listElem)
		delete(p.entries, id)
	}
	return len(expired)
}

// Close stops the validation worker.
func (p *Pool) Close() {
	close(p.stop)
	p.wg.Wait()
}
