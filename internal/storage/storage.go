// Package storage defines the block store and state store contracts and a
// WAL+snapshot+prune file-backed implementation, grounded on the teacher's
// core/ledger.go (NewLedger/OpenLedger/snapshot/prune/rewriteWAL). FileStore
// is the only implementation; there is no in-memory or ordered-KV backend,
// and the node opens a FileStore whatever storage_backend is set to.
package storage

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Digest mirrors chain.Digest without importing internal/chain, avoiding a
// storage -> chain -> storage cycle; callers convert at the boundary.
type Digest [32]byte

// BlockRecord is the serialized form persisted by the block store. It is
// storage's own envelope, decoupled from internal/chain's in-memory types so
// the storage layer can be unit tested without the chain package.
type BlockRecord struct {
	Digest     Digest `json:"digest"`
	PrevDigest Digest `json:"prev_digest"`
	Height     uint64 `json:"height"`
	Payload    []byte `json:"payload"` // caller-chosen encoding of the full block
}

// BlockStore is keyed by block digest with a height secondary index.
type BlockStore interface {
	PutBlock(rec BlockRecord) error
	GetByDigest(d Digest) (BlockRecord, bool, error)
	GetByHeight(h uint64) (BlockRecord, bool, error)
	Height() uint64
	Tip() (Digest, bool)
	SetTip(d Digest) error
	DeleteAbove(height uint64) error // removes every block strictly above height
	Close() error
}

// AccountRecord is the per-address account entry of the state store.
type AccountRecord struct {
	Balance     uint64 `json:"balance"`
	Nonce       uint64 `json:"nonce"`
	CodeDigest  Digest `json:"code_digest,omitempty"`
	HasCode     bool   `json:"has_code"`
	StorageRoot Digest `json:"storage_root"`
}

// StateStore is keyed by Address, with a sub-namespace for per-account
// storage cells.
type StateStore interface {
	GetAccount(addr [20]byte) (AccountRecord, bool, error)
	PutAccount(addr [20]byte, rec AccountRecord) error
	GetStorageCell(addr [20]byte, key Digest) ([]byte, bool, error)
	PutStorageCell(addr [20]byte, key Digest, value []byte) error
	DeleteAccount(addr [20]byte) error
}

// Batch bundles the atomic write-batch per applied block of §6.3: added or
// updated accounts, added UTXOs, removed UTXOs, the new block, and the tip
// pointer. Commit is all-or-nothing.
type Batch struct {
	Block        BlockRecord
	NewTip       Digest
	Accounts     map[[20]byte]AccountRecord
	UTXOAdds     map[string][]byte // key = outpoint key, value = caller-chosen encoding
	UTXORemovals []string
}

// WALConfig parameterizes the file-backed implementation.
type WALConfig struct {
	WALPath          string
	SnapshotPath     string
	ArchivePath      string
	SnapshotInterval int // blocks between snapshots; 0 disables
	PruneInterval    int // blocks below tip height minus this are archived; 0 disables
}

// walEntry is one line of the write-ahead log.
type walEntry struct {
	Batch snapshotBatch `json:"batch"`
}

// snapshotBatch is the JSON-safe form of Batch (map keys must be strings).
type snapshotBatch struct {
	Block        BlockRecord                `json:"block"`
	NewTip       Digest                     `json:"new_tip"`
	Accounts     map[string]AccountRecord   `json:"accounts"`
	UTXOAdds     map[string][]byte          `json:"utxo_adds"`
	UTXORemovals []string                   `json:"utxo_removals"`
}

func toSnapshotBatch(b Batch) snapshotBatch {
	accs := make(map[string]AccountRecord, len(b.Accounts))
	for addr, rec := range b.Accounts {
		accs[fmt.Sprintf("%x", addr)] = rec
	}
	return snapshotBatch{
		Block:        b.Block,
		NewTip:       b.NewTip,
		Accounts:     accs,
		UTXOAdds:     b.UTXOAdds,
		UTXORemovals: b.UTXORemovals,
	}
}

// FileStore is a WAL+snapshot+prune backed BlockStore and StateStore,
// grounded on core/ledger.go's NewLedger/applyBlock/snapshot/prune. All
// mutation flows through Commit, which appends one JSON line to the WAL
// before mutating in-memory indexes, mirroring the teacher's
// write-then-apply ordering.
type FileStore struct {
	mu sync.RWMutex

	cfg WALConfig
	wal *os.File

	blocksByDigest map[Digest]BlockRecord
	blocksByHeight map[uint64]Digest
	tip            Digest
	hasTip         bool

	accounts map[[20]byte]AccountRecord
	storage  map[[20]byte]map[Digest][]byte
	utxo     map[string][]byte

	sinceSnapshot int
}

// NewFileStore opens or creates the WAL and replays it to rebuild in-memory
// state, exactly as core/ledger.go's NewLedger does for its Blocks slice.
func NewFileStore(cfg WALConfig) (*FileStore, error) {
	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: open WAL: %w", err)
	}
	fs := &FileStore{
		cfg:            cfg,
		wal:            wal,
		blocksByDigest: make(map[Digest]BlockRecord),
		blocksByHeight: make(map[uint64]Digest),
		accounts:       make(map[[20]byte]AccountRecord),
		storage:        make(map[[20]byte]map[Digest][]byte),
		utxo:           make(map[string][]byte),
	}
	if err := fs.loadSnapshot(); err != nil {
		wal.Close()
		return nil, err
	}
	if err := fs.replayWAL(); err != nil {
		wal.Close()
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) loadSnapshot() error {
	if fs.cfg.SnapshotPath == "" {
		return nil
	}
	f, err := os.Open(fs.cfg.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: open snapshot: %w", err)
	}
	defer f.Close()

	var snap struct {
		BlocksByDigest map[Digest]BlockRecord `json:"blocks_by_digest"`
		BlocksByHeight map[uint64]Digest      `json:"blocks_by_height"`
		Tip            Digest                 `json:"tip"`
		HasTip         bool                   `json:"has_tip"`
		Accounts       map[string]AccountRecord `json:"accounts"`
		UTXO           map[string][]byte      `json:"utxo"`
	}
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("storage: decode snapshot: %w", err)
	}
	fs.blocksByDigest = snap.BlocksByDigest
	fs.blocksByHeight = snap.BlocksByHeight
	fs.tip = snap.Tip
	fs.hasTip = snap.HasTip
	fs.utxo = snap.UTXO
	fs.accounts = make(map[[20]byte]AccountRecord, len(snap.Accounts))
	for hexAddr, rec := range snap.Accounts {
		var addr [20]byte
		fmt.Sscanf(hexAddr, "%x", &addr)
		fs.accounts[addr] = rec
	}
	return nil
}

func (fs *FileStore) replayWAL() error {
	if _, err := fs.wal.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(fs.wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("storage: WAL unmarshal: %w", err)
		}
		fs.applyBatch(entry.Batch)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("storage: WAL scan: %w", err)
	}
	if _, err := fs.wal.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func (fs *FileStore) applyBatch(b snapshotBatch) {
	fs.blocksByDigest[b.Block.Digest] = b.Block
	fs.blocksByHeight[b.Block.Height] = b.Block.Digest
	fs.tip = b.NewTip
	fs.hasTip = true
	for hexAddr, rec := range b.Accounts {
		var addr [20]byte
		fmt.Sscanf(hexAddr, "%x", &addr)
		fs.accounts[addr] = rec
	}
	for key, val := range b.UTXOAdds {
		fs.utxo[key] = val
	}
	for _, key := range b.UTXORemovals {
		delete(fs.utxo, key)
	}
}

// Commit performs the atomic write-batch per applied block: append to the
// WAL, sync, then mutate in-memory indexes. If the WAL write fails, no
// in-memory state changes.
func (fs *FileStore) Commit(b Batch) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry := walEntry{Batch: toSnapshotBatch(b)}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: marshal batch: %w", err)
	}
	if _, err := fs.wal.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("storage: write WAL: %w", err)
	}
	if err := fs.wal.Sync(); err != nil {
		return fmt.Errorf("storage: sync WAL: %w", err)
	}

	fs.applyBatch(entry.Batch)
	fs.sinceSnapshot++

	if fs.cfg.SnapshotInterval > 0 && fs.sinceSnapshot >= fs.cfg.SnapshotInterval {
		if err := fs.snapshotLocked(); err != nil {
			logrus.WithError(err).Error("storage: snapshot failed")
		}
		fs.sinceSnapshot = 0
	}
	if fs.cfg.PruneInterval > 0 {
		if err := fs.pruneLocked(); err != nil {
			logrus.WithError(err).Error("storage: prune failed")
		}
	}
	return nil
}

func (fs *FileStore) snapshotLocked() error {
	if fs.cfg.SnapshotPath == "" {
		return nil
	}
	f, err := os.Create(fs.cfg.SnapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()

	accounts := make(map[string]AccountRecord, len(fs.accounts))
	for addr, rec := range fs.accounts {
		accounts[fmt.Sprintf("%x", addr)] = rec
	}
	snap := struct {
		BlocksByDigest map[Digest]BlockRecord   `json:"blocks_by_digest"`
		BlocksByHeight map[uint64]Digest        `json:"blocks_by_height"`
		Tip            Digest                   `json:"tip"`
		HasTip         bool                     `json:"has_tip"`
		Accounts       map[string]AccountRecord `json:"accounts"`
		UTXO           map[string][]byte        `json:"utxo"`
	}{fs.blocksByDigest, fs.blocksByHeight, fs.tip, fs.hasTip, accounts, fs.utxo}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		return err
	}
	return fs.truncateWALLocked()
}

func (fs *FileStore) truncateWALLocked() error {
	if err := fs.wal.Close(); err != nil {
		return err
	}
	wal, err := os.Create(fs.wal.Name())
	if err != nil {
		return err
	}
	fs.wal = wal
	return nil
}

// pruneLocked archives blocks older than PruneInterval to a gzip file,
// mirroring core/ledger.go's prune/rewriteWAL.
func (fs *FileStore) pruneLocked() error {
	height := fs.heightLocked()
	if height < uint64(fs.cfg.PruneInterval) {
		return nil
	}
	cutoff := height - uint64(fs.cfg.PruneInterval)
	heights := make([]uint64, 0, len(fs.blocksByHeight))
	for h := range fs.blocksByHeight {
		if h < cutoff {
			heights = append(heights, h)
		}
	}
	if len(heights) == 0 {
		return nil
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	if fs.cfg.ArchivePath != "" {
		f, err := os.OpenFile(fs.cfg.ArchivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		gz := gzip.NewWriter(f)
		for _, h := range heights {
			digest := fs.blocksByHeight[h]
			rec := fs.blocksByDigest[digest]
			data, err := json.Marshal(rec)
			if err != nil {
				gz.Close()
				f.Close()
				return err
			}
			if _, err := gz.Write(append(data, '\n')); err != nil {
				gz.Close()
				f.Close()
				return err
			}
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	for _, h := range heights {
		digest := fs.blocksByHeight[h]
		delete(fs.blocksByDigest, digest)
		delete(fs.blocksByHeight, h)
	}
	return nil
}

func (fs *FileStore) heightLocked() uint64 {
	var max uint64
	found := false
	for h := range fs.blocksByHeight {
		if !found || h > max {
			max = h
			found = true
		}
	}
	return max
}

// PutBlock commits rec alone as a batch that also makes it the tip.
func (fs *FileStore) PutBlock(rec BlockRecord) error {
	return fs.Commit(Batch{Block: rec, NewTip: rec.Digest})
}

func (fs *FileStore) GetByDigest(d Digest) (BlockRecord, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rec, ok := fs.blocksByDigest[d]
	return rec, ok, nil
}

func (fs *FileStore) GetByHeight(h uint64) (BlockRecord, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	digest, ok := fs.blocksByHeight[h]
	if !ok {
		return BlockRecord{}, false, nil
	}
	rec, ok := fs.blocksByDigest[digest]
	return rec, ok, nil
}

func (fs *FileStore) Height() uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.heightLocked()
}

func (fs *FileStore) Tip() (Digest, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.tip, fs.hasTip
}

func (fs *FileStore) SetTip(d Digest) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.tip = d
	fs.hasTip = true
	return nil
}

// DeleteAbove removes all blocks strictly above height.
func (fs *FileStore) DeleteAbove(height uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for h, digest := range fs.blocksByHeight {
		if h > height {
			delete(fs.blocksByDigest, digest)
			delete(fs.blocksByHeight, h)
		}
	}
	return nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.wal.Close()
}

func (fs *FileStore) GetAccount(addr [20]byte) (AccountRecord, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rec, ok := fs.accounts[addr]
	return rec, ok, nil
}

func (fs *FileStore) PutAccount(addr [20]byte, rec AccountRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.accounts[addr] = rec
	return nil
}

func (fs *FileStore) DeleteAccount(addr [20]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.accounts, addr)
	delete(fs.storage, addr)
	return nil
}

func (fs *FileStore) GetStorageCell(addr [20]byte, key Digest) ([]byte, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	ns, ok := fs.storage[addr]
	if !ok {
		return nil, false, nil
	}
	v, ok := ns[key]
	return v, ok, nil
}

func (fs *FileStore) PutStorageCell(addr [20]byte, key Digest, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ns, ok := fs.storage[addr]
	if !ok {
		ns = make(map[Digest][]byte)
		fs.storage[addr] = ns
	}
	ns[key] = value
	return nil
}

// GetUTXO reads the UTXO sub-namespace of the state store, which is written
// only through Commit's UTXOAdds/UTXORemovals (§6.3: "added UTXOs, removed
// UTXOs" are part of the same atomic write-batch as accounts).
func (fs *FileStore) GetUTXO(key string) ([]byte, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	v, ok := fs.utxo[key]
	return v, ok
}

var _ BlockStore = (*FileStore)(nil)
var _ StateStore = (*FileStore)(nil)
