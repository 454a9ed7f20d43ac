package memscat

import (
	"sync"

	"github.com/go-memscat/memscat/backend"
	"github.com/go-memscat/memscat/internal/constants"
	"github.com/go-memscat/memscat/splice"
)

// MockResource is a backend.Resource test double with an in-memory byte
// image and per-method call counters, mirroring how the teacher's
// MockBackend tracks call counts for assertions in its own tests.
type MockResource struct {
	mu sync.Mutex

	data   []byte
	closed bool

	prepared map[uint64]uint32
	writes   []mockWrite
	results  map[uint64][]byte
	failPage map[uint64]bool // pages Execute never fills, so any Read touching them fails

	PrepareCalls int
	ExecuteCalls int
	ReadCalls    int
	ClearCalls   int
	CloseCalls   int
}

type mockWrite struct {
	addr uint64
	data []byte
}

// NewMockResource creates a mock backend resource with size bytes of
// zeroed backing memory.
func NewMockResource(size int) *MockResource {
	return &MockResource{
		data:     make([]byte, size),
		prepared: make(map[uint64]uint32),
		results:  make(map[uint64][]byte),
		failPage: make(map[uint64]bool),
	}
}

var _ backend.Resource = (*MockResource)(nil)

// SeedBytes writes data into the mock's backing memory without going
// through Prepare/Execute, for test setup.
func (m *MockResource) SeedBytes(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[addr:], data)
}

// FailPage marks pageBase as never filled by Execute: Execute itself still
// succeeds, but every later Read touching that page returns 0 bytes, for
// exercising the PartialResult path.
func (m *MockResource) FailPage(pageBase uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPage[pageBase] = true
}

// Prepare accepts an arbitrary address within a page (handle.go passes the
// tiny-read fetch address, not necessarily the page's own base) and keys
// its bookkeeping off the page it falls in, so Read's independent
// page-aligned lookup via splice.Plan always finds what Execute filled in.
func (m *MockResource) Prepare(addr uint64, length uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PrepareCalls++
	page := constants.PageAlign(addr)
	m.prepared[page] = length
	return nil
}

func (m *MockResource) PrepareWrite(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.writes = append(m.writes, mockWrite{addr: addr, data: buf})
	return nil
}

func (m *MockResource) Execute() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecuteCalls++

	for _, w := range m.writes {
		copy(m.data[w.addr:], w.data)
	}
	m.writes = m.writes[:0]

	for page := range m.prepared {
		if m.failPage[page] {
			delete(m.results, page)
			continue
		}
		buf := make([]byte, constants.PageSize)
		if int(page)+len(buf) <= len(m.data) {
			copy(buf, m.data[page:])
		}
		m.results[page] = buf
	}
	return nil
}

func (m *MockResource) Read(addr uint64, length uint32, out []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadCalls++

	span, err := splice.Plan(addr, length)
	if err != nil {
		return 0, err
	}
	for _, w := range span.Windows {
		page, ok := m.results[w.PageBase]
		if !ok {
			return 0, nil
		}
		copy(out[w.DstOffset:w.DstOffset+w.Len], page[w.SrcOffset:w.SrcOffset+w.Len])
	}
	return span.Total, nil
}

func (m *MockResource) Clear(target uint32, flags uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClearCalls++
	m.prepared = make(map[uint64]uint32)
	m.writes = nil
	m.results = make(map[uint64][]byte)
	return nil
}

func (m *MockResource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.closed = true
	return nil
}
