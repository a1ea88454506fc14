package cache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/any-hub/asset-hub/internal/config"
)

// OpenBackend 根据 StorageBackend 构建缓存后端。fs/sqlite 的数据均位于 StoragePath 之下。
func OpenBackend(ctx context.Context, cfg config.GlobalConfig) (Backend, error) {
	switch cfg.StorageBackend {
	case "", config.BackendFS:
		return NewFileBackend(filepath.Join(cfg.StoragePath, "cache"))
	case config.BackendSQLite:
		return NewSQLiteBackend(filepath.Join(cfg.StoragePath, SQLiteFileName))
	case config.BackendS3:
		return NewS3Backend(ctx, S3Options{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}
