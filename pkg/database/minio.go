package database

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"transcription_worker/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOClientRepo definition object storage operations the worker needs
type MinIOClientRepo interface {
	DownloadFile(ctx context.Context, objectName, destPath string) error
	ObjectExists(ctx context.Context, objectName string) (bool, error)
}

// MinIOClient definition minio client
type MinIOClient struct {
	Client     *minio.Client
	BucketName string
}

// NewMinIOConnection create a new minio connection have retry
func NewMinIOConnection(d MinIOConnection) (*MinIOClient, error) {
	var mc *MinIOClient
	var err error

	if d.RetryCount < 1 {
		d.RetryCount = 1
	}

	for i := 1; i <= d.RetryCount; i++ {
		mc, err = NewMinioClient(d.Endpoint, d.User, d.Password, d.BucketName, d.Region)
		if err == nil {
			logger.Log.Info("MinIO connected", zap.String("bucket", d.BucketName), zap.Int("attempt", i))
			return mc, nil
		}

		logger.Log.Warn("MinIO connect failed, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_attempts", d.RetryCount),
			zap.Error(err),
		)
		if i < d.RetryCount {
			time.Sleep(d.RetryInterval)
		}
	}

	return nil, err
}

// NewMinioClient create a new minio client and make sure the bucket is there.
// The worker only reads, so a missing bucket is an error instead of being created.
func NewMinioClient(endpoint, accessKey, secretKey, bucketName, region string) (*MinIOClient, error) {
	host, secure, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	minioClient, err := minio.New(host,
		&minio.Options{
			Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
			Secure: secure,
			Region: region,
		})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("檢查 bucket [%s] 失敗: %w", bucketName, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket [%s] 不存在", bucketName)
	}

	return &MinIOClient{
		Client:     minioClient,
		BucketName: bucketName,
	}, nil
}

// ParseEndpoint accept "host:port" or a URL like "http://host:port",
// https means TLS
func ParseEndpoint(endpoint string) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		if endpoint == "" {
			return "", false, fmt.Errorf("empty storage endpoint")
		}
		return endpoint, false, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid storage endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid storage endpoint %q: no host", endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}

// DownloadFile minio download file func, a partial file is removed on failure
func (m *MinIOClient) DownloadFile(ctx context.Context, objectName, destPath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("建立目錄失敗: %w", err)
	}

	obj, err := m.Client.GetObject(ctx, m.BucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("取得物件失敗: %w", err)
	}
	defer obj.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("建立檔案失敗: %w", err)
	}
	defer func() {
		if cerr := destFile.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("關閉檔案失敗: %w", cerr)
		}
		if err != nil {
			os.Remove(destPath)
		}
	}()

	written, err := io.Copy(destFile, obj)
	if err != nil {
		return fmt.Errorf("下載物件 [%s] 失敗: %w", objectName, err)
	}

	logger.Log.Info("Downloaded object",
		zap.String("object", objectName),
		zap.String("path", destPath),
		zap.Int64("bytes", written),
	)
	return nil
}

// ObjectExists stat the object, a NoSuchKey answer is (false, nil)
func (m *MinIOClient) ObjectExists(ctx context.Context, objectName string) (bool, error) {
	_, err := m.Client.StatObject(ctx, m.BucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}
