package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend 为每个站点派生独立的 Storage，站点之间的分区互不可见。
type Backend interface {
	// Storage 返回 scope（站点名）对应的分区集合，调用方可长期持有。
	Storage(scope string) Storage
	// Name 返回后端类型，供日志与诊断输出。
	Name() string
	// Close 释放底层连接或文件句柄。
	Close() error
}

// Storage 管理一组按缓存代标签命名的分区，语义与浏览器 CacheStorage 对齐：
//
//	<scope>/<partition>/<entry>
//
// 所有方法都可能阻塞在 I/O 上，需遵循 ctx 的取消。
type Storage interface {
	// Open 返回指定名称的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)
	// Lookup 返回已存在的分区，不存在时返回 ErrPartitionNotFound，不会创建分区。
	Lookup(ctx context.Context, name string) (Partition, error)
	// Has 报告分区是否存在，不会创建分区。
	Has(ctx context.Context, name string) (bool, error)
	// Delete 删除分区及其全部条目，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
	// Keys 按字典序返回全部分区名。
	Keys(ctx context.Context) ([]string, error)
}

// Partition 是单个缓存代的键值存储，键为请求标识（完整 URL）。
type Partition interface {
	Name() string
	// Match 返回 key 对应的响应快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)
	// Put 写入或替换条目；同一 key 的并发写入以最后一次为准。
	// 分区已被删除时返回 ErrPartitionNotFound，不会重新创建分区。
	Put(ctx context.Context, entry *Entry) error
	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, key string) (bool, error)
	// Keys 按字典序返回分区内的全部请求标识。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示分区中不存在该条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrPartitionNotFound 表示分区不存在或已被删除。
	ErrPartitionNotFound = errors.New("cache partition not found")
	// ErrInvalidName 表示分区或 scope 名称不合法。
	ErrInvalidName = errors.New("invalid cache name")
)

// validateName 拒绝可能逃逸存储根目录的名称。
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
