package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"skillswap-backend/internal/domain"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/resilience"
)

// Mocks
type MockObjectStorage struct {
	mock.Mock
}

func (m *MockObjectStorage) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *MockObjectStorage) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

func (m *MockObjectStorage) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, _ := io.ReadAll(reader)
	args := m.Called(ctx, bucketName, objectName, string(body), objectSize, opts)
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: objectSize}, args.Error(0)
}

func (m *MockObjectStorage) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	args := m.Called(ctx, bucketName, objectName, expires, reqParams)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*url.URL), args.Error(1)
}

func (m *MockObjectStorage) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Error(0)
}

func newBreaker() *resilience.Breaker {
	return resilience.NewBreaker(resilience.Config{Name: "test", MaxFailures: 5, MaxAttempts: 2})
}

func newTestService(t *testing.T, storage *MockObjectStorage) *Service {
	storage.On("BucketExists", mock.Anything, "test-bucket").Return(true, nil).Once()
	service, err := NewService(context.Background(), storage, "test-bucket", newBreaker(), 1024)
	require.NoError(t, err)
	return service
}

func TestNewService_CreatesBucket(t *testing.T) {
	mockStorage := new(MockObjectStorage)
	mockStorage.On("BucketExists", mock.Anything, "test-bucket").Return(false, nil)
	mockStorage.On("MakeBucket", mock.Anything, "test-bucket", minio.MakeBucketOptions{}).Return(nil)

	service, err := NewService(context.Background(), mockStorage, "test-bucket", nil, 0)

	assert.NoError(t, err)
	assert.NotNil(t, service)
	mockStorage.AssertExpectations(t)
}

func TestUpload(t *testing.T) {
	mockStorage := new(MockObjectStorage)
	service := newTestService(t, mockStorage)

	link, _ := url.Parse("http://minio/test-bucket/sessions/alice_bob/x/photo.png")
	mockStorage.On("PutObject", mock.Anything, "test-bucket", mock.AnythingOfType("string"), "png-bytes", int64(9),
		minio.PutObjectOptions{ContentType: "image/png"}).Return(nil)
	mockStorage.On("PresignedGetObject", mock.Anything, "test-bucket", mock.AnythingOfType("string"),
		mock.AnythingOfType("time.Duration"), url.Values(nil)).Return(link, nil)

	att, err := service.Upload(context.Background(), "alice_bob", domain.FileUpload{
		Name:        "../photo.png",
		ContentType: "image/png",
		Size:        9,
		Reader:      strings.NewReader("png-bytes"),
	})

	require.NoError(t, err)
	assert.Equal(t, link.String(), att.URL)
	assert.Equal(t, "photo.png", att.Name)
	assert.True(t, strings.HasPrefix(att.ObjectKey, "sessions/alice_bob/"))
	assert.True(t, strings.HasSuffix(att.ObjectKey, "/photo.png"))
	mockStorage.AssertExpectations(t)
}

func TestUpload_RetriesWithFullBody(t *testing.T) {
	mockStorage := new(MockObjectStorage)
	service := newTestService(t, mockStorage)

	link, _ := url.Parse("http://minio/file")
	mockStorage.On("PutObject", mock.Anything, "test-bucket", mock.Anything, "notes", int64(5), mock.Anything).
		Return(errors.New("connection reset")).Once()
	mockStorage.On("PutObject", mock.Anything, "test-bucket", mock.Anything, "notes", int64(5), mock.Anything).
		Return(nil).Once()
	mockStorage.On("PresignedGetObject", mock.Anything, "test-bucket", mock.Anything, mock.Anything, mock.Anything).
		Return(link, nil)

	att, err := service.Upload(context.Background(), "alice_bob", domain.FileUpload{
		Name:   "notes.txt",
		Size:   5,
		Reader: strings.NewReader("notes"),
	})

	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", att.ContentType)
	mockStorage.AssertNumberOfCalls(t, "PutObject", 2)
}

func TestUpload_TooLarge(t *testing.T) {
	mockStorage := new(MockObjectStorage)
	service := newTestService(t, mockStorage)

	_, err := service.Upload(context.Background(), "alice_bob", domain.FileUpload{
		Name:   "big.bin",
		Size:   2048,
		Reader: strings.NewReader(strings.Repeat("x", 2048)),
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUpload))

	// A reader longer than the declared size is still capped
	_, err = service.Upload(context.Background(), "alice_bob", domain.FileUpload{
		Name:   "liar.bin",
		Size:   10,
		Reader: strings.NewReader(strings.Repeat("x", 2048)),
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUpload))

	mockStorage.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_StorageFailure(t *testing.T) {
	mockStorage := new(MockObjectStorage)
	service := newTestService(t, mockStorage)

	mockStorage.On("PutObject", mock.Anything, "test-bucket", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("access denied"))

	_, err := service.Upload(context.Background(), "alice_bob", domain.FileUpload{
		Name:   "a.txt",
		Size:   1,
		Reader: strings.NewReader("a"),
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUpload))
	mockStorage.AssertNumberOfCalls(t, "PutObject", 2)
}
