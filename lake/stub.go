package lake

import (
	"context"
	"sync"
)

// StubStore is an in-memory Store for tests. It honors the same
// digest-compare idempotency contract as the real backends and records every
// Put for assertions.
type StubStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// Puts records every Put call, including skips.
	Puts []StubPutRecord
	// Closed is set by Close.
	Closed bool
	// FailPut, when set, is returned by every Put.
	FailPut error
}

// StubPutRecord is one recorded Put call.
type StubPutRecord struct {
	Path   string
	Bytes  int64
	Status WriteStatus
}

// NewStubStore creates an empty stub store.
func NewStubStore() *StubStore {
	return &StubStore{blobs: make(map[string][]byte)}
}

// Put implements Store.
func (s *StubStore) Put(_ context.Context, lakePath string, data []byte) (*WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPut != nil {
		return nil, &PathError{Op: "put", Path: lakePath, Err: s.FailPut}
	}

	digest := digestOf(data)
	status := StatusWritten
	if existing, ok := s.blobs[lakePath]; ok {
		if digestOf(existing) != digest {
			return nil, &PathError{Op: "put", Path: lakePath, Err: ErrDigestConflict}
		}
		status = StatusSkipped
	} else {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[lakePath] = cp
	}

	s.Puts = append(s.Puts, StubPutRecord{Path: lakePath, Bytes: int64(len(data)), Status: status})
	return &WriteResult{
		LakeURI:       lakePath,
		ContentSHA256: digest,
		ByteCount:     int64(len(data)),
		Status:        status,
	}, nil
}

// Get implements Store.
func (s *StubStore) Get(_ context.Context, lakePath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[lakePath]
	if !ok {
		return nil, &PathError{Op: "get", Path: lakePath, Err: ErrNotFound}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Close implements Store.
func (s *StubStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Len returns the number of distinct blobs held.
func (s *StubStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Verify StubStore implements Store.
var _ Store = (*StubStore)(nil)
