// Package testsupport holds shared fakes for package tests.
package testsupport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"cinetide/internal/objectstore"
)

// ObjectStoreStub is an in-memory objectstore.Client for tests. Objects can be
// seeded directly and every mutation is observable.
type ObjectStoreStub struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailNext, when set, makes the next call return this error once.
	FailNext error
}

// NewObjectStoreStub constructs an empty stub.
func NewObjectStoreStub() *ObjectStoreStub {
	return &ObjectStoreStub{objects: make(map[string][]byte)}
}

// Seed stores an object without going through Put.
func (s *ObjectStoreStub) Seed(key string, data []byte) {
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	s.mu.Unlock()
}

// Object returns the stored bytes for key.
func (s *ObjectStoreStub) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

func (s *ObjectStoreStub) takeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *ObjectStoreStub) Head(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	if err := s.takeFailure(); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *ObjectStoreStub) Get(_ context.Context, key string, rng *objectstore.ByteRange) (io.ReadCloser, error) {
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	if rng != nil {
		end := rng.End
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		if rng.Start > end {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		data = data[rng.Start : end+1]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *ObjectStoreStub) Put(_ context.Context, key string, body io.Reader, _ string, _ bool) (string, error) {
	if err := s.takeFailure(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return key, nil
}

func (s *ObjectStoreStub) Delete(_ context.Context, key string) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *ObjectStoreStub) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if err := s.takeFailure(); err != nil {
		return "", err
	}
	return "https://signed.example/" + key, nil
}
