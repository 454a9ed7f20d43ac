// Package memsim is an in-memory simulation of a physical-memory
// acquisition backend: a fixed-size byte store behind a memfd, read and
// written through the batch primitive. It exists for tests and for the
// memscat-bench CLI, which always reads through it; it never claims to be a real
// acquisition channel.
package memsim

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-memscat/memscat/backend"
	"github.com/go-memscat/memscat/internal/batchio"
	"github.com/go-memscat/memscat/internal/constants"
	"github.com/go-memscat/memscat/splice"
)

// shardSize mirrors the teacher's RAM backend: enough shards to let many
// Resources hit the same Store concurrently without serializing on one
// lock, while keeping shard bookkeeping cheap.
const shardSize = 64 * 1024

// Store is the shared backing memory multiple Resources read/write
// against, analogous to one physical-memory image.
type Store struct {
	data   []byte
	size   int64
	fd     int
	shards []sync.RWMutex
}

// NewStore creates a Store of size bytes backed by an anonymous memfd, so
// a giouring-enabled Batcher can issue real pread/pwrite-equivalent
// io_uring operations against it.
func NewStore(size int64) (*Store, error) {
	fd, err := unix.MemfdCreate("memscat-memsim", 0)
	if err != nil {
		return nil, fmt.Errorf("memsim: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memsim: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memsim: mmap: %w", err)
	}

	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Store{
		data:   data,
		size:   size,
		fd:     fd,
		shards: make([]sync.RWMutex, numShards),
	}, nil
}

// Size returns the store's byte size.
func (s *Store) Size() int64 { return s.size }

// FD returns the backing memfd, for a Batcher to issue io_uring ops
// against directly.
func (s *Store) FD() int { return s.fd }

func (s *Store) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(s.shards) {
		end = len(s.shards) - 1
	}
	return start, end
}

// ReadAt copies up to len(p) bytes starting at off into p, clamped to the
// store's size.
func (s *Store) ReadAt(p []byte, off int64) int {
	if off >= s.size || off < 0 {
		return 0
	}
	if available := s.size - off; int64(len(p)) > available {
		p = p[:available]
	}
	start, end := s.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		s.shards[i].RLock()
	}
	n := copy(p, s.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		s.shards[i].RUnlock()
	}
	return n
}

// WriteAt copies up to len(p) bytes from p into the store at off, clamped
// to the store's size.
func (s *Store) WriteAt(p []byte, off int64) int {
	if off >= s.size || off < 0 {
		return 0
	}
	if available := s.size - off; int64(len(p)) > available {
		p = p[:available]
	}
	start, end := s.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		s.shards[i].Lock()
	}
	n := copy(s.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		s.shards[i].Unlock()
	}
	return n
}

// Close unmaps the store and closes its memfd.
func (s *Store) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	unix.Close(s.fd)
	return err
}

type readEntry struct {
	length uint32
}

type writeEntry struct {
	addr uint64
	data []byte
}

type pageResult struct {
	data []byte
	ok   bool
}

// Resource is memsim's backend.Resource/backend.BatchResource
// implementation: a Store-bound set of prepared pages, executed in one
// batch round-trip per Execute call.
type Resource struct {
	mu sync.Mutex

	store   *Store
	target  uint32
	flags   uint32
	batcher batchio.Batcher // nil unless built with -tags giouring

	prepared map[uint64]*readEntry
	writes   []writeEntry
	results  map[uint64]*pageResult
}

// New creates a Resource bound to store for the given target/flags. A
// nil batcher is tolerated: Execute then falls back to a synchronous
// per-page copy loop against the Store, which is functionally equivalent
// since the Store already lives in process memory.
func New(store *Store, target, flags uint32) (*Resource, error) {
	r := &Resource{
		store:    store,
		target:   target,
		flags:    flags,
		prepared: make(map[uint64]*readEntry),
		results:  make(map[uint64]*pageResult),
	}
	if b, err := batchio.NewBatcher(store.FD(), 256); err == nil {
		r.batcher = b
	}
	return r, nil
}

var _ backend.Resource = (*Resource)(nil)
var _ backend.BatchResource = (*Resource)(nil)

// Prepare registers a read of up to one page. addr need not itself be
// page-aligned (a tiny-read fetch address carries its own in-page offset);
// it only needs to satisfy length+ByteOffset(addr) <= PageSize. Bookkeeping
// is keyed by addr's containing page, not addr itself, so Read's
// independent page-aligned lookup via splice.Plan always lands on the
// same entry Execute filled in.
func (r *Resource) Prepare(addr uint64, length uint32) error {
	if length == 0 || length > constants.PageSize {
		return fmt.Errorf("memsim: invalid prepare length %d", length)
	}
	page := constants.PageAlign(addr)
	need := constants.ByteOffset(addr) + uint64(length)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared[page] = &readEntry{length: uint32(need)}
	return nil
}

// PrepareWrite registers a write of arbitrary alignment and length.
func (r *Resource) PrepareWrite(addr uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	r.writes = append(r.writes, writeEntry{addr: addr, data: buf})
	return nil
}

// Execute performs one round-trip: every pending write lands first, then
// every prepared page is fetched, in one batched operation when a
// Batcher is available.
func (r *Resource) Execute() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.writes {
		r.store.WriteAt(w.data, int64(w.addr))
	}
	r.writes = r.writes[:0]

	if len(r.prepared) == 0 {
		return nil
	}

	if r.batcher != nil {
		return r.executeBatched()
	}
	return r.executeSync()
}

func (r *Resource) executeSync() error {
	for page, entry := range r.prepared {
		buf := make([]byte, constants.PageSize)
		n := r.store.ReadAt(buf, int64(page))
		r.results[page] = &pageResult{data: buf, ok: n >= int(entry.length)}
	}
	return nil
}

func (r *Resource) executeBatched() error {
	pages := make([]uint64, 0, len(r.prepared))
	ops := make([]batchio.Op, 0, len(r.prepared))
	for page := range r.prepared {
		buf := make([]byte, constants.PageSize)
		ops = append(ops, batchio.Op{
			Offset:   int64(page),
			Buf:      buf,
			UserData: page,
		})
		pages = append(pages, page)
	}

	results, err := r.batcher.Submit(ops)
	if err != nil {
		return fmt.Errorf("memsim: batch execute: %w", err)
	}

	byUserData := make(map[uint64]bool, len(results))
	for _, res := range results {
		byUserData[res.UserData] = res.OK
	}
	for i, op := range ops {
		page := pages[i]
		r.results[page] = &pageResult{data: op.Buf, ok: byUserData[op.UserData]}
	}
	return nil
}

// Read copies up to length bytes starting at addr into out, splicing
// across however many pages in the result cache the range touches.
func (r *Resource) Read(addr uint64, length uint32, out []byte) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	span, err := splice.Plan(addr, length)
	if err != nil {
		return 0, err
	}
	for _, w := range span.Windows {
		res, ok := r.results[w.PageBase]
		if !ok || !res.ok {
			return 0, nil
		}
		copy(out[w.DstOffset:w.DstOffset+w.Len], res.data[w.SrcOffset:w.SrcOffset+w.Len])
	}
	return span.Total, nil
}

// ExecuteBatch implements backend.BatchResource directly, bypassing the
// prepared-set bookkeeping: useful for tests that exercise the batch
// primitive in isolation.
func (r *Resource) ExecuteBatch(descs []backend.BatchDescriptor) ([]backend.PageResult, error) {
	out := make([]backend.PageResult, len(descs))
	for i, d := range descs {
		if d.IsWrite {
			n := r.store.WriteAt(d.WriteBuf, int64(d.PageBase))
			out[i] = backend.PageResult{OK: n == len(d.WriteBuf)}
			continue
		}
		buf := make([]byte, d.Length)
		n := r.store.ReadAt(buf, int64(d.PageBase))
		out[i] = backend.PageResult{Data: buf, OK: n == int(d.Length)}
	}
	return out, nil
}

// Clear releases all prepared entries and results and rearms the
// Resource for target/flags.
func (r *Resource) Clear(target uint32, flags uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
	r.flags = flags
	r.prepared = make(map[uint64]*readEntry)
	r.writes = nil
	r.results = make(map[uint64]*pageResult)
	return nil
}

// Close releases the batcher, if any. The backing Store is shared and
// outlives individual Resources, so Close never touches it.
func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batcher != nil {
		err := r.batcher.Close()
		r.batcher = nil
		return err
	}
	return nil
}
