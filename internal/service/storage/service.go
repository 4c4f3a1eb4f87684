package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/constants"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/resilience"
	"skillswap-backend/pkg/sanitize"
)

// ObjectStorage is the subset of *minio.Client used for attachments
type ObjectStorage interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Service stores chat attachments in object storage
type Service struct {
	storage    ObjectStorage
	bucketName string
	breaker    *resilience.Breaker
	maxSize    int64
}

// NewService creates a new storage service and makes sure the bucket exists
func NewService(ctx context.Context, storage ObjectStorage, bucketName string, breaker *resilience.Breaker, maxSize int64) (*Service, error) {
	if maxSize <= 0 {
		maxSize = constants.MaxUploadSize
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.DefaultConfig("minio"))
	}

	exists, err := storage.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := storage.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created attachment bucket", zap.String("bucket", bucketName))
	}

	return &Service{
		storage:    storage,
		bucketName: bucketName,
		breaker:    breaker,
		maxSize:    maxSize,
	}, nil
}

// Upload stores file under the session's prefix and returns a presigned
// download link. Files over the size cap are rejected before any upload.
func (s *Service) Upload(ctx context.Context, sessionID string, file domain.FileUpload) (*domain.FileAttachment, error) {
	if file.Size > s.maxSize {
		return nil, apperrors.UploadTooLargeError(file.Size, s.maxSize)
	}
	if file.Reader == nil {
		return nil, apperrors.ValidationError("File content is required")
	}

	// Buffer the body so retries can replay it; the cap keeps this bounded
	data, err := io.ReadAll(io.LimitReader(file.Reader, s.maxSize+1))
	if err != nil {
		return nil, apperrors.UploadFailedError(err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, apperrors.UploadTooLargeError(int64(len(data)), s.maxSize)
	}

	name := path.Base(sanitize.SanitizeFilename(file.Name))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	objectKey := fmt.Sprintf("sessions/%s/%s/%s", sessionID, uuid.NewString(), name)
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err = s.breaker.Execute(ctx, "put_object", func(ctx context.Context) error {
		_, err := s.storage.PutObject(ctx, s.bucketName, objectKey, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		return err
	})
	if err != nil {
		logger.Error("Attachment upload failed",
			zap.String("session_id", sessionID),
			zap.String("object_key", objectKey),
			zap.Error(err))
		return nil, apperrors.UploadFailedError(err)
	}

	var link *url.URL
	err = s.breaker.Execute(ctx, "presign_get", func(ctx context.Context) error {
		var err error
		link, err = s.storage.PresignedGetObject(ctx, s.bucketName, objectKey, constants.PresignedURLExpiry, nil)
		return err
	})
	if err != nil {
		return nil, apperrors.UploadFailedError(err)
	}

	logger.Debug("Attachment uploaded",
		zap.String("session_id", sessionID),
		zap.String("object_key", objectKey),
		zap.Int("size", len(data)))

	return &domain.FileAttachment{
		URL:         link.String(),
		Name:        name,
		ObjectKey:   objectKey,
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

// Delete removes an uploaded object
func (s *Service) Delete(ctx context.Context, objectKey string) error {
	return s.breaker.Execute(ctx, "remove_object", func(ctx context.Context) error {
		return s.storage.RemoveObject(ctx, s.bucketName, objectKey, minio.RemoveObjectOptions{})
	})
}
