package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/chaind-project/chaind/internal/chain"
	"github.com/chaind-project/chaind/internal/mempool"
	"github.com/chaind-project/chaind/internal/p2p"
)

type fakeChain struct {
	mu     sync.Mutex
	blocks map[chain.Digest]*chain.Block
	height uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{blocks: make(map[chain.Digest]*chain.Block)}
}

func (f *fakeChain) TryApply(b *chain.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[b.Identity()] = b
	f.height = b.Header.Height
	return nil
}

func (f *fakeChain) Height() uint64 { f.mu.Lock(); defer f.mu.Unlock(); return f.height }

func (f *fakeChain) GetBlockByDigest(d chain.Digest) (*chain.Block, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[d]
	return b, ok
}

func (f *fakeChain) BestBlock() *chain.Block { return nil }

type fakeMempool struct {
	mu  sync.Mutex
	txs map[chain.Digest]*chain.Transaction
}

func newFakeMempool() *fakeMempool {
	return &fakeMempool{txs: make(map[chain.Digest]*chain.Transaction)}
}

func (f *fakeMempool) AddTx(tx *chain.Transaction, sourcePeer string) mempool.AdmissionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.Identity()] = tx
	return mempool.Accepted
}

func (f *fakeMempool) Contains(d chain.Digest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.txs[d]
	return ok
}

func (f *fakeMempool) GetTx(d chain.Digest) (*chain.Transaction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[d]
	return tx, ok
}

func newTestService() (*Service, *fakeChain, *fakeMempool) {
	fc := newFakeChain()
	fm := newFakeMempool()
	s := &Service{
		chainV:  fc,
		pool:    fm,
		logger:  logrus.StandardLogger(),
		seen:    expirable.NewLRU[chain.Digest, *seenEntry](SeenCacheSize, nil, SeenEntryTTL),
		orphans: make(map[chain.Digest]*orphanEntry),
		closing: make(chan struct{}),
	}
	return s, fc, fm
}

func block(height uint64, prev chain.Digest) *chain.Block {
	b := &chain.Block{Header: chain.BlockHeader{Height: height, PrevDigest: prev, Timestamp: time.Now().UnixMilli()}}
	b.RecomputeMerkleRoot()
	return b
}

func TestHaveLocallyReflectsMempoolAndChain(t *testing.T) {
	s, fc, fm := newTestService()
	genesis := block(0, chain.Digest{})
	fc.blocks[genesis.Identity()] = genesis

	if !s.haveLocally(invItem{Kind: invBlock, Digest: genesis.Identity()}) {
		t.Fatal("expected known block to be reported as local")
	}
	if s.haveLocally(invItem{Kind: invBlock, Digest: digest(9)}) {
		t.Fatal("expected unknown block to be reported as missing")
	}

	tx := &chain.Transaction{Type: chain.TxCoinbase}
	fm.txs[tx.Identity()] = tx
	if !s.haveLocally(invItem{Kind: invTx, Digest: tx.Identity()}) {
		t.Fatal("expected known tx to be reported as local")
	}
}

func TestMarkSeenAndAlreadySeenBy(t *testing.T) {
	s, _, _ := newTestService()
	d := digest(5)
	if s.alreadySeenBy(d, "peer-a") {
		t.Fatal("expected not seen before marking")
	}
	s.markSeen(d, "peer-a")
	if !s.alreadySeenBy(d, "peer-a") {
		t.Fatal("expected seen after marking")
	}
	if s.alreadySeenBy(d, "peer-b") {
		t.Fatal("seen tracking must be per-peer")
	}
}

func TestSeenEntryExpiresFromCache(t *testing.T) {
	s := &Service{seen: expirable.NewLRU[chain.Digest, *seenEntry](SeenCacheSize, nil, time.Millisecond)}
	d := digest(1)
	s.markSeen(d, "peer-a")
	time.Sleep(5 * time.Millisecond)
	if s.alreadySeenBy(d, "peer-a") {
		t.Fatal("expected seen entry to have expired from the LRU")
	}
}

func TestOrphanBufferedThenReleasedWhenParentArrives(t *testing.T) {
	s, fc, _ := newTestService()
	// Applying a block announces it, which needs a live host.
	host, err := p2p.NewHost(p2p.Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", DiscoveryTag: "chaind-test"}, nil)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer host.Close()
	s.host = host
	genesis := block(0, chain.Digest{})
	child := block(1, genesis.Identity())

	s.ingestBlock(child, "peer-a")
	if _, ok := fc.GetBlockByDigest(child.Identity()); ok {
		t.Fatal("expected orphan not yet applied")
	}
	if len(s.orphans) != 1 {
		t.Fatalf("expected 1 buffered orphan, got %d", len(s.orphans))
	}

	s.ingestBlock(genesis, "peer-a")
	if _, ok := fc.GetBlockByDigest(child.Identity()); !ok {
		t.Fatal("expected orphan released and applied once parent arrived")
	}
	if len(s.orphans) != 0 {
		t.Fatalf("expected orphan buffer drained, got %d entries", len(s.orphans))
	}
}

func TestAgeOutOrphansDiscardsStaleEntries(t *testing.T) {
	s, _, _ := newTestService()
	genesis := block(0, chain.Digest{})
	child := block(1, genesis.Identity())
	s.bufferOrphan(child, "peer-a")
	s.orphans[child.Identity()].arrived = time.Now().Add(-2 * OrphanTimeout)

	s.ageOutOrphans()
	if len(s.orphans) != 0 {
		t.Fatal("expected stale orphan discarded")
	}
}
