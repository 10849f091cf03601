package remoteshell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeStore struct{ puts int }

func (f *fakeStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	f.puts++
	return nil
}

func TestAdapter_UploadArtifacts_MissingHostPort(t *testing.T) {
	a := &Adapter{connectTimeout: time.Second, store: &fakeStore{}}
	err := a.UploadArtifacts(context.Background(), "", 0, "run-1", "pipeline_event_finish")
	assert.Error(t, err)
}

func TestNewAdapter_MissingKeyFile(t *testing.T) {
	_, err := NewAdapter("/nonexistent/key", time.Second, &fakeStore{})
	assert.Error(t, err)
}
