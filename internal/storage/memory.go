package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Op names a gateway operation for MemoryGateway hooks.
type Op string

const (
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpCopy   Op = "copy"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// MemoryGateway is an in-process Gateway. It counts concurrent write calls
// and lets callers inject failures or delays through Hook, which runs while
// the call is counted as in flight.
type MemoryGateway struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	Hook func(ctx context.Context, op Op, uri string) error

	inFlight atomic.Int64
	peak     atomic.Int64
	calls    sync.Map
}

// NewMemoryGateway returns an empty gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{buckets: make(map[string]map[string][]byte)}
}

// Seed stores data at uri directly, bypassing hooks and counters.
func (m *MemoryGateway) Seed(uri string, data []byte) {
	loc, err := ParseURI(uri)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(loc.Bucket)[loc.Key] = append([]byte(nil), data...)
}

// Object returns the stored bytes at uri.
func (m *MemoryGateway) Object(uri string) ([]byte, bool) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.buckets[loc.Bucket][loc.Key]
	return data, ok
}

// PeakInFlight is the highest number of concurrent put/copy/get calls seen.
func (m *MemoryGateway) PeakInFlight() int {
	return int(m.peak.Load())
}

// Calls returns how many times op was invoked.
func (m *MemoryGateway) Calls(op Op) int {
	v, ok := m.calls.Load(op)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

// TotalCalls returns the number of calls across all operations.
func (m *MemoryGateway) TotalCalls() int {
	total := 0
	for _, op := range []Op{OpGet, OpPut, OpCopy, OpDelete, OpList} {
		total += m.Calls(op)
	}
	return total
}

func (m *MemoryGateway) bucket(name string) map[string][]byte {
	b, ok := m.buckets[name]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[name] = b
	}
	return b
}

func (m *MemoryGateway) enter(ctx context.Context, op Op, uri string, tracked bool) (func(), error) {
	v, _ := m.calls.LoadOrStore(op, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)

	leave := func() {}
	if tracked {
		cur := m.inFlight.Add(1)
		for {
			p := m.peak.Load()
			if cur <= p || m.peak.CompareAndSwap(p, cur) {
				break
			}
		}
		leave = func() { m.inFlight.Add(-1) }
	}

	if m.Hook != nil {
		if err := m.Hook(ctx, op, uri); err != nil {
			leave()
			return nil, wrapErr(string(op), uri, err)
		}
	}
	if err := ctx.Err(); err != nil {
		leave()
		return nil, wrapErr(string(op), uri, err)
	}
	return leave, nil
}

// GetStream returns a reader over a copy of the object.
func (m *MemoryGateway) GetStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, wrapErr("get", uri, err)
	}
	leave, err := m.enter(ctx, OpGet, uri, true)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	data, ok := m.buckets[loc.Bucket][loc.Key]
	m.mu.Unlock()
	if !ok {
		return nil, wrapErr("get", uri, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

// PutStream stores everything read from r at uri.
func (m *MemoryGateway) PutStream(ctx context.Context, uri string, r io.Reader, size int64) error {
	loc, err := ParseURI(uri)
	if err != nil {
		return wrapErr("put", uri, err)
	}
	leave, err := m.enter(ctx, OpPut, uri, true)
	if err != nil {
		return err
	}
	defer leave()

	data, err := io.ReadAll(r)
	if err != nil {
		return wrapErr("put", uri, err)
	}
	m.mu.Lock()
	m.bucket(loc.Bucket)[loc.Key] = data
	m.mu.Unlock()
	return nil
}

// CopyPrefix duplicates every object under src below dst.
func (m *MemoryGateway) CopyPrefix(ctx context.Context, src, dst string) (int, error) {
	srcLoc, err := ParseURI(src)
	if err != nil {
		return 0, wrapErr("copy", src, err)
	}
	dstLoc, err := ParseURI(dst)
	if err != nil {
		return 0, wrapErr("copy", dst, err)
	}
	leave, err := m.enter(ctx, OpCopy, src, true)
	if err != nil {
		return 0, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	copied := 0
	for _, key := range m.keysLocked(srcLoc.Bucket, srcLoc.Key) {
		data := m.buckets[srcLoc.Bucket][key]
		m.bucket(dstLoc.Bucket)[DestinationKey(srcLoc.Key, key, dstLoc.Key)] = append([]byte(nil), data...)
		copied++
	}
	return copied, nil
}

// DeletePrefix removes every object under uri.
func (m *MemoryGateway) DeletePrefix(ctx context.Context, uri string) (int, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return 0, wrapErr("delete", uri, err)
	}
	leave, err := m.enter(ctx, OpDelete, uri, false)
	if err != nil {
		return 0, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.keysLocked(loc.Bucket, loc.Key)
	for _, key := range keys {
		delete(m.buckets[loc.Bucket], key)
	}
	return len(keys), nil
}

// ListPrefix lists objects under uri in key order.
func (m *MemoryGateway) ListPrefix(ctx context.Context, uri string) ([]ObjectInfo, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, wrapErr("list", uri, err)
	}
	leave, err := m.enter(ctx, OpList, uri, false)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.keysLocked(loc.Bucket, loc.Key)
	out := make([]ObjectInfo, 0, len(keys))
	for _, key := range keys {
		out = append(out, ObjectInfo{Key: key, Size: int64(len(m.buckets[loc.Bucket][key]))})
	}
	return out, nil
}

func (m *MemoryGateway) keysLocked(bucket, prefix string) []string {
	var keys []string
	for key := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

var _ Gateway = (*MemoryGateway)(nil)
