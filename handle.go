package memscat

import (
	"runtime"
	"sync"
	"time"

	"github.com/go-memscat/memscat/backend"
	"github.com/go-memscat/memscat/internal/config"
	"github.com/go-memscat/memscat/internal/constants"
	"github.com/go-memscat/memscat/internal/logging"
	"github.com/go-memscat/memscat/splice"
)

type handleState int

const (
	stateFresh handleState = iota
	statePrepared
	stateExecuted
	stateClosed
)

type readEntry struct {
	window splice.TinyWindow
}

type pageResult struct {
	window splice.TinyWindow
	data   []byte
	ok     bool
}

type writeEntry struct {
	addr uint64
	data []byte
}

// Handle is the scatter engine's stateful unit of work: accumulate
// prepared reads/writes for one target, execute one batched round-trip,
// then serve typed reads from the result cache. One internal mutex
// serializes every operation, per spec.md §5.
type Handle struct {
	mu sync.Mutex

	target Target
	flags  Flags

	resource backend.Resource
	cfg      *config.Store
	metrics  *Metrics
	log      *logging.Logger

	state handleState

	prepared   map[uint64]*readEntry
	writes     []writeEntry
	resultCache map[uint64]*pageResult
	completed   []func(*Handle)

	totalBytes uint64
	totalPages uint64
}

// NewHandle creates a Handle for target using the process-wide default
// backend initializer. Most callers outside tests want this constructor;
// NewHandleWithResource exists for injecting a mock or memsim resource.
func NewHandle(target Target, flags Flags) (*Handle, error) {
	if !flags.valid() {
		return nil, NewError("NewHandle", target, ErrCodeInvalidArgument, "mutually exclusive flags")
	}
	res, err := defaultInitializer(uint32(target), uint32(flags))
	if err != nil {
		return nil, WrapError("NewHandle", target, ErrCodeBackendFatal, err)
	}
	return newHandle(target, flags, res), nil
}

// NewHandleWithResource creates a Handle bound to an already-initialized
// backend.Resource, bypassing the default initializer. Used by tests and
// by Map/readmap when constructing rounds against a shared backend.
func NewHandleWithResource(target Target, flags Flags, res backend.Resource) (*Handle, error) {
	if !flags.valid() {
		return nil, NewError("NewHandle", target, ErrCodeInvalidArgument, "mutually exclusive flags")
	}
	return newHandle(target, flags, res), nil
}

func newHandle(target Target, flags Flags, res backend.Resource) *Handle {
	h := &Handle{
		target:      target,
		flags:       flags,
		resource:    res,
		cfg:         config.Default(),
		metrics:     NewMetrics(),
		log:         logging.Default(),
		prepared:    make(map[uint64]*readEntry),
		resultCache: make(map[uint64]*pageResult),
	}
	runtime.SetFinalizer(h, finalizeHandle)
	return h
}

// finalizeHandle is the finalizer safety net for a Handle dropped without
// an explicit Close. It must not assume the mutex is ever contended: by
// the time the garbage collector runs a finalizer, no other reference to
// h can exist.
func finalizeHandle(h *Handle) {
	if h.state == stateClosed {
		return
	}
	_ = h.releaseResource()
}

// defaultInitializer is overridden by backend packages that register
// themselves as the process-wide acquisition backend (see backend.Initializer).
var defaultInitializer backend.Initializer = func(target, flags uint32) (backend.Resource, error) {
	return nil, NewError("scatter_initialize", Target(target), ErrCodeBackendFatal, "no backend registered; call SetDefaultInitializer")
}

// SetDefaultInitializer registers the backend.Initializer NewHandle uses
// when no explicit Resource is supplied.
func SetDefaultInitializer(init backend.Initializer) {
	defaultInitializer = init
}

// Metrics returns the Handle's private metrics, for callers that want to
// export per-handle stats rather than aggregate ones.
func (h *Handle) Metrics() *Metrics {
	return h.metrics
}

// PrepareRead registers a read of len bytes starting at addr. It returns
// false without mutating state on any validation failure: zero length,
// oversize, an address failing the target's address-class check, or a
// quota violation.
func (h *Handle) PrepareRead(addr uint64, length uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateClosed {
		return false
	}
	if length == 0 || length > constants.MaxSingleRead {
		return false
	}
	if !h.target.ValidateAddr(addr) {
		return false
	}

	span, err := splice.Plan(addr, length)
	if err != nil {
		return false
	}

	newPages := uint64(0)
	for _, w := range span.Windows {
		if _, exists := h.prepared[w.PageBase]; !exists {
			newPages++
		}
	}
	if h.totalBytes+uint64(length) > constants.MaxTotalBytes {
		return false
	}
	if h.totalPages+newPages > constants.MaxTotalPages {
		return false
	}

	single := len(span.Windows) == 1
	tinyEligible := single && splice.EligibleForTiny(uint64(span.Windows[0].SrcOffset), length, h.flags.Has(FlagForcePageread))

	upgraded := false
	for _, w := range span.Windows {
		entry, exists := h.prepared[w.PageBase]
		if !exists {
			entry = &readEntry{}
			if single && tinyEligible {
				entry.window = splice.PlanTiny(w.PageBase, uint64(w.SrcOffset), w.Len)
			} else {
				entry.window = splice.TinyWindow{PageBase: w.PageBase}
				entry.window.UpgradeToFullPage()
			}
			h.prepared[w.PageBase] = entry
			continue
		}

		needsFull := !(single && tinyEligible) || !entry.window.Covers(uint64(w.SrcOffset), w.Len)
		if needsFull && !entry.window.IsFullPage() {
			entry.window.UpgradeToFullPage()
			upgraded = true
		}
	}

	h.totalBytes += uint64(length)
	h.totalPages += newPages
	h.state = statePrepared
	h.metrics.RecordPrepareRead(single && tinyEligible)
	if upgraded {
		h.metrics.RecordTinyUpgrade()
	}
	return true
}

// PrepareWriteSpan registers a write of data at addr. It returns false
// without registering anything if the global memory-write switch is off.
func (h *Handle) PrepareWriteSpan(addr uint64, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateClosed {
		return false
	}
	if len(data) == 0 {
		return false
	}
	if !h.cfg.WritesEnabled() {
		return false
	}
	if !h.target.ValidateAddr(addr) {
		return false
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	h.writes = append(h.writes, writeEntry{addr: addr, data: buf})
	h.state = statePrepared
	h.metrics.RecordPrepareWrite()
	return true
}

// Execute performs one backend round-trip for every entry accumulated in
// prepared/writes so far. It is a no-op if no prepare has ever succeeded
// since the last clear.
func (h *Handle) Execute() error {
	h.mu.Lock()
	locked := true
	defer func() {
		if locked {
			h.mu.Unlock()
		}
	}()

	if h.state == stateClosed {
		return ErrDisposed
	}
	if h.state == stateFresh {
		return nil
	}

	start := time.Now()

	for _, w := range h.writes {
		if err := h.resource.PrepareWrite(w.addr, w.data); err != nil {
			return WrapError("Execute", h.target, ErrCodeExecutionFailed, err)
		}
	}
	for pageBase, entry := range h.prepared {
		addr := pageBase + uint64(entry.window.FetchBase)
		if err := h.resource.Prepare(addr, entry.window.FetchLen); err != nil {
			return WrapError("Execute", h.target, ErrCodeExecutionFailed, err)
		}
	}

	err := h.resource.Execute()
	latency := uint64(time.Since(start).Nanoseconds())
	if err != nil {
		h.metrics.RecordExecute(uint64(len(h.prepared)), latency, false)
		return WrapError("Execute", h.target, ErrCodeExecutionFailed, err)
	}
	h.writes = h.writes[:0]

	for pageBase, entry := range h.prepared {
		addr := pageBase + uint64(entry.window.FetchBase)
		buf := make([]byte, entry.window.FetchLen)
		n, rerr := h.resource.Read(addr, entry.window.FetchLen, buf)
		ok := rerr == nil && n == entry.window.FetchLen
		h.resultCache[pageBase] = &pageResult{window: entry.window, data: buf, ok: ok}
	}

	h.metrics.RecordExecute(uint64(len(h.prepared)), latency, true)
	h.state = stateExecuted

	// Callbacks run with h.mu released so they can read this Handle's
	// results (ReadBytes, ReadPtr, ...) without deadlocking.
	callbacks := h.completed
	locked = false
	h.mu.Unlock()
	for _, cb := range callbacks {
		h.safeInvoke(cb)
	}

	return nil
}

func (h *Handle) safeInvoke(cb func(*Handle)) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("completion callback panicked", "target", uint32(h.target), "panic", r)
		}
	}()
	cb(h)
}

// OnComplete registers a one-shot callback invoked after a successful
// Execute, in registration order. Callbacks must not mutate h's prepared
// set; they may prepare subsequent rounds of an owning Map.
func (h *Handle) OnComplete(cb func(*Handle)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, cb)
}

// ReadBytes copies addr..addr+length from the post-execute result cache.
// It returns (nil, false) if the Handle has not been executed since its
// last prepare, or if any touched page is missing or marked failed.
func (h *Handle) ReadBytes(addr uint64, length uint32) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readBytesLocked(addr, length)
}

func (h *Handle) readBytesLocked(addr uint64, length uint32) ([]byte, bool) {
	if h.state != stateExecuted {
		h.metrics.RecordRead(false)
		return nil, false
	}
	span, err := splice.Plan(addr, length)
	if err != nil {
		h.metrics.RecordRead(false)
		return nil, false
	}

	out := make([]byte, span.Total)
	for _, w := range span.Windows {
		res, exists := h.resultCache[w.PageBase]
		if !exists || !res.ok || !res.window.Covers(uint64(w.SrcOffset), w.Len) {
			h.metrics.RecordRead(false)
			return nil, false
		}
		local := uint64(w.SrcOffset) - res.window.FetchBase
		copy(out[w.DstOffset:w.DstOffset+w.Len], res.data[local:local+uint64(w.Len)])
	}
	h.metrics.RecordRead(true)
	return out, true
}

// ReadSpan copies addr..addr+len(out) into out in place, returning
// whether the copy succeeded.
func (h *Handle) ReadSpan(addr uint64, out []byte) bool {
	data, ok := h.ReadBytes(addr, uint32(len(out)))
	if !ok {
		return false
	}
	copy(out, data)
	return true
}

// ReadPtr reads a pointer-sized value at addr and validates it against
// the Handle's target address class, so a decoded garbage pointer can
// never silently propagate into a dependent round.
func (h *Handle) ReadPtr(addr uint64) (uint64, bool) {
	data, ok := h.ReadBytes(addr, 8)
	if !ok {
		return 0, false
	}
	ptr := leUint64(data)
	if ptr == 0 || !h.target.ValidateAddr(ptr) {
		return 0, false
	}
	return ptr, true
}

// ReadString decodes length bytes at addr, truncating at the first NUL
// code unit.
func (h *Handle) ReadString(addr uint64, length uint32) (string, bool) {
	data, ok := h.ReadBytes(addr, length)
	if !ok {
		return "", false
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), true
		}
	}
	return string(data), true
}

// Clear releases all prepared entries and result buffers, drops
// registered completion callbacks, resets quotas, and atomically adjusts
// flags/target if supplied (pass h.target/h.flags to leave them as-is).
func (h *Handle) Clear(target Target, flags Flags) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateClosed {
		return ErrDisposed
	}
	if !flags.valid() {
		return NewError("Clear", target, ErrCodeInvalidArgument, "mutually exclusive flags")
	}
	if err := h.resource.Clear(uint32(target), uint32(flags)); err != nil {
		return WrapError("Clear", target, ErrCodeBackendFatal, err)
	}

	h.target = target
	h.flags = flags
	h.prepared = make(map[uint64]*readEntry)
	h.writes = nil
	h.resultCache = make(map[uint64]*pageResult)
	h.completed = nil
	h.totalBytes = 0
	h.totalPages = 0
	h.state = stateFresh
	return nil
}

// Close idempotently disposes the Handle, releasing the backend resource
// and every buffer. Calls on an already-closed Handle are a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseResource()
}

func (h *Handle) releaseResource() error {
	if h.state == stateClosed {
		return nil
	}
	h.state = stateClosed
	h.prepared = nil
	h.resultCache = nil
	h.writes = nil
	h.completed = nil
	h.metrics.Stop()
	runtime.SetFinalizer(h, nil)
	return h.resource.Close()
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
