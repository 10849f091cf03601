package objectstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FakeStore is an in-memory Store for tests; no test infra needs a real
// S3-compatible backend to exercise the presign/proxy handlers.
type FakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart map[string]string // uploadID -> key
}

// NewFakeStore builds an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		objects:   make(map[string][]byte),
		multipart: make(map[string]string),
	}
}

func (f *FakeStore) PutObject(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *FakeStore) PresignUpload(_ context.Context, key, _ string, ttlSeconds int) (string, error) {
	return fmt.Sprintf("https://fake-object-store.local/%s?ttl=%d", key, ttlSeconds), nil
}

func (f *FakeStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *FakeStore) InitMultipart(_ context.Context, key, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uploadID := uuid.New().String()
	f.multipart[uploadID] = key
	return uploadID, nil
}

func (f *FakeStore) CompleteMultipart(_ context.Context, key, uploadID string, _ []MultipartPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.multipart[uploadID] != key {
		return fmt.Errorf("unknown multipart upload %s for key %s", uploadID, key)
	}
	delete(f.multipart, uploadID)
	f.objects[key] = []byte{}
	return nil
}

func (f *FakeStore) AbortMultipart(_ context.Context, _ string, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.multipart, uploadID)
	return nil
}

func (f *FakeStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
