// Package readmap implements the declarative read map (spec.md §4.5): a
// higher-level layer on top of memscat.Map that trades some flexibility
// for ergonomics — per-entry typed result slots grouped into indexes,
// grouped into sequentially executed rounds, with post-round completion
// callbacks for dependent-read pipelines.
//
// Entries and indexes are pooled the way the teacher's
// queue.GetBuffer/PutBuffer pools I/O buffers: reuse avoids a per-execute
// allocation for deployments that rebuild the same read-map shape on a
// tight polling loop. Rounds are not pooled: AddRound allocates a new
// Round each time.
package readmap

import (
	"sync"
	"unicode/utf16"
	"unsafe"

	"github.com/go-memscat/memscat"
	"github.com/go-memscat/memscat/backend"
)

type entryKind int

const (
	kindValue entryKind = iota
	kindArray
	kindString
	kindPointer
)

// Encoding names a byte decoder for a string entry. ASCII treats each
// byte as one code unit; UTF16LE decodes 2-byte little-endian units.
type Encoding int

const (
	ASCII Encoding = iota
	UTF16LE
)

// Entry is a typed result slot: an address, a kind, and (once its round
// has executed) a failure flag. Reuse via pooling resets all of this.
type Entry struct {
	kind     entryKind
	addr     uint64
	length   uint32
	count    int
	encoding Encoding
	failed   bool
}

func (e *Entry) reset() {
	e.kind = kindValue
	e.addr = 0
	e.length = 0
	e.count = 0
	e.encoding = ASCII
	e.failed = false
}

var entryPool = sync.Pool{New: func() any { return &Entry{} }}

func getEntry() *Entry { return entryPool.Get().(*Entry) }

func putEntry(e *Entry) {
	e.reset()
	entryPool.Put(e)
}

// Index groups related entries and carries the post-round callback list
// that may register entries/callbacks on the next round.
type Index struct {
	id        int
	handle    *memscat.Handle
	entries   map[int]*Entry
	order     []int
	callbacks []func(*Index)
}

func newIndex() *Index {
	return &Index{entries: make(map[int]*Entry)}
}

func (idx *Index) reset() {
	for _, e := range idx.entries {
		putEntry(e)
	}
	for k := range idx.entries {
		delete(idx.entries, k)
	}
	idx.order = idx.order[:0]
	idx.callbacks = nil
	idx.handle = nil
	idx.id = 0
}

var indexPool = sync.Pool{New: func() any { return newIndex() }}

func getIndex() *Index { return indexPool.Get().(*Index) }

func putIndex(idx *Index) {
	idx.reset()
	indexPool.Put(idx)
}

// OnComplete registers a callback invoked once, after the owning round's
// Execute returns successfully, in registration order.
func (idx *Index) OnComplete(cb func(*Index)) {
	idx.callbacks = append(idx.callbacks, cb)
}

func (idx *Index) put(entryID int, e *Entry) {
	if _, exists := idx.entries[entryID]; !exists {
		idx.order = append(idx.order, entryID)
	}
	idx.entries[entryID] = e
}

// Value registers a fixed-size read of T at addr under entryID.
func Value[T any](idx *Index, entryID int, addr uint64) bool {
	var zero T
	size := uint32(unsafe.Sizeof(zero))
	if !idx.handle.PrepareRead(addr, size) {
		return false
	}
	e := getEntry()
	e.kind, e.addr, e.length = kindValue, addr, size
	idx.put(entryID, e)
	return true
}

// Array registers a variadic-length read of n contiguous T values at addr
// under entryID.
func Array[T any](idx *Index, entryID int, addr uint64, n int) bool {
	var zero T
	elemSize := uint32(unsafe.Sizeof(zero))
	total := elemSize * uint32(n)
	if !idx.handle.PrepareRead(addr, total) {
		return false
	}
	e := getEntry()
	e.kind, e.addr, e.length, e.count = kindArray, addr, total, n
	idx.put(entryID, e)
	return true
}

// String registers a read of length bytes at addr, decoded with enc and
// truncated at the first NUL code unit when retrieved.
func String(idx *Index, entryID int, addr uint64, length uint32, enc Encoding) bool {
	if !idx.handle.PrepareRead(addr, length) {
		return false
	}
	e := getEntry()
	e.kind, e.addr, e.length, e.encoding = kindString, addr, length, enc
	idx.put(entryID, e)
	return true
}

// Pointer registers a pointer-sized read at addr under entryID. The
// entry is marked failed at retrieval time if the decoded value fails
// address-class validation.
func Pointer(idx *Index, entryID int, addr uint64) bool {
	if !idx.handle.PrepareRead(addr, 8) {
		return false
	}
	e := getEntry()
	e.kind, e.addr, e.length = kindPointer, addr, 8
	idx.put(entryID, e)
	return true
}

// TryGetValue retrieves a value<T> entry's result.
func TryGetValue[T any](idx *Index, entryID int) (T, bool) {
	var zero T
	e, ok := idx.entries[entryID]
	if !ok || e.failed || e.kind != kindValue {
		return zero, false
	}
	v, ok := memscat.ReadValue[T](idx.handle, e.addr)
	if !ok {
		e.failed = true
		return zero, false
	}
	return v, true
}

// TryGetArray retrieves an array<T> entry's result as a pooled lease.
func TryGetArray[T any](idx *Index, entryID int) (*memscat.Lease[T], bool) {
	e, ok := idx.entries[entryID]
	if !ok || e.failed || e.kind != kindArray {
		return nil, false
	}
	lease, ok := memscat.ReadArray[T](idx.handle, e.addr, e.count)
	if !ok {
		e.failed = true
		return nil, false
	}
	return lease, true
}

// TryGetString retrieves a string entry's result, decoded with the
// Encoding given to String(). memscat.Handle.ReadString only ever does
// single-byte NUL truncation, so UTF16LE entries decode their own raw
// bytes here rather than going through it.
func TryGetString(idx *Index, entryID int) (string, bool) {
	e, ok := idx.entries[entryID]
	if !ok || e.failed || e.kind != kindString {
		return "", false
	}
	data, ok := idx.handle.ReadBytes(e.addr, e.length)
	if !ok {
		e.failed = true
		return "", false
	}
	return decodeString(data, e.encoding), true
}

// decodeString truncates data at its encoding's NUL code unit and decodes
// the remainder to a string. ASCII truncates at the first zero byte;
// UTF16LE truncates at the first zero 16-bit little-endian unit and
// decodes the rest as UTF-16.
func decodeString(data []byte, enc Encoding) string {
	if enc != UTF16LE {
		for i, b := range data {
			if b == 0 {
				return string(data[:i])
			}
		}
		return string(data)
	}

	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		u := uint16(data[i]) | uint16(data[i+1])<<8
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// GetValueRef retrieves a pointer entry's validated target address.
func GetValueRef(idx *Index, entryID int) (uint64, bool) {
	e, ok := idx.entries[entryID]
	if !ok || e.failed || e.kind != kindPointer {
		return 0, false
	}
	p, ok := idx.handle.ReadPtr(e.addr)
	if !ok {
		e.failed = true
		return 0, false
	}
	return p, true
}

// Round owns indexes keyed by a user-supplied integer id, backed by one
// memscat.Handle.
type Round struct {
	id      int
	handle  *memscat.Handle
	indexes map[int]*Index
	order   []int
}

// Index returns (creating if needed) the index identified by id.
func (r *Round) Index(id int) *Index {
	idx, ok := r.indexes[id]
	if !ok {
		idx = getIndex()
		idx.id = id
		idx.handle = r.handle
		r.indexes[id] = idx
		r.order = append(r.order, id)
	}
	return idx
}

func (r *Round) fireCallbacks() {
	for _, id := range r.order {
		idx := r.indexes[id]
		for _, cb := range idx.callbacks {
			cb(idx)
		}
	}
}

func (r *Round) release() {
	for _, idx := range r.indexes {
		putIndex(idx)
	}
	r.indexes = nil
	r.order = nil
}

// ReadMap drives an underlying memscat.Map one round at a time, giving
// each round's index callbacks the chance to populate the next round
// before the Map's sequential Execute reaches it.
type ReadMap struct {
	target  memscat.Target
	m       *memscat.Map
	rounds  []*Round
	factory func() (backend.Resource, error)
}

// New creates an empty ReadMap for target using the process-wide default
// backend initializer for every round.
func New(target memscat.Target) *ReadMap {
	return &ReadMap{target: target, m: memscat.NewMap(target)}
}

// NewWithFactory creates a ReadMap whose rounds each get their own
// backend.Resource from factory, instead of the default initializer —
// used by tests and by callers running multiple simulated resources.
func NewWithFactory(target memscat.Target, factory func() (backend.Resource, error)) *ReadMap {
	return &ReadMap{target: target, m: memscat.NewMap(target), factory: factory}
}

// AddRound appends a new round with the given flags.
func (rm *ReadMap) AddRound(flags memscat.Flags) (*Round, error) {
	var h *memscat.Handle
	var err error
	if rm.factory != nil {
		res, ferr := rm.factory()
		if ferr != nil {
			return nil, ferr
		}
		h, err = rm.m.AddRoundWithResource(flags, res)
	} else {
		h, err = rm.m.AddRound(flags)
	}
	if err != nil {
		return nil, err
	}

	round := &Round{id: len(rm.rounds), handle: h, indexes: make(map[int]*Index)}
	h.OnComplete(func(*memscat.Handle) { round.fireCallbacks() })
	rm.rounds = append(rm.rounds, round)
	return round, nil
}

// Execute runs every round in order via the underlying Map.
func (rm *ReadMap) Execute() error {
	return rm.m.Execute()
}

// Round returns the round at index i, in addition order.
func (rm *ReadMap) Round(i int) *Round {
	return rm.rounds[i]
}

// NumRounds returns the number of rounds added so far.
func (rm *ReadMap) NumRounds() int {
	return len(rm.rounds)
}

// Close closes every round's handle and releases pooled indexes/entries
// back to their pools.
func (rm *ReadMap) Close() error {
	err := rm.m.Close()
	for _, r := range rm.rounds {
		r.release()
	}
	rm.rounds = nil
	return err
}
