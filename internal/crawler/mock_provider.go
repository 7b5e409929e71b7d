package crawler

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockFetcher is a mock implementation of Fetcher for testing.
type MockFetcher struct {
	mock.Mock
}

// Fetch is the mock implementation of the Fetch method.
func (m *MockFetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	args := m.Called(ctx, rawURL)
	return args.Get(0).(Document), args.Error(1) //nolint:wrapcheck
}

// MockUploader is a mock implementation of Uploader for testing.
type MockUploader struct {
	mock.Mock
}

// Upload is the mock implementation of the Upload method.
func (m *MockUploader) Upload(ctx context.Context, localPath string) (string, error) {
	args := m.Called(ctx, localPath)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mock.Mock
}

// Publish is the mock implementation of the Publish method.
func (m *MockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
