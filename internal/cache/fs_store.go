package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta.json"
)

// NewFileBackend 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 磁盘布局：<basePath>/<scope>/<partition>/<sha256(key)>.body|.meta.json
func NewFileBackend(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileBackend 通过 entryLock 避免同一条目并发写入，所有 scope 共享同一把锁表。
type fileBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (b *fileBackend) Name() string { return "fs" }

func (b *fileBackend) Close() error { return nil }

func (b *fileBackend) Storage(scope string) Storage {
	return &fileStorage{backend: b, scope: scope}
}

type fileStorage struct {
	backend *fileBackend
	scope   string
}

func (s *fileStorage) root() (string, error) {
	if err := validateName(s.scope); err != nil {
		return "", err
	}
	return filepath.Join(s.backend.basePath, s.scope), nil
}

func (s *fileStorage) partitionDir(name string) (string, error) {
	root, err := s.root()
	if err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(root, name), nil
}

func (s *fileStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{backend: s.backend, name: name, dir: dir}, nil
}

func (s *fileStorage) Lookup(ctx context.Context, name string) (Partition, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	return &filePartition{backend: s.backend, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	root, err := s.root()
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() && !strings.HasPrefix(item.Name(), ".") {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

type filePartition struct {
	backend *fileBackend
	name    string
	dir     string
}

func (p *filePartition) Name() string { return p.name }

func (p *filePartition) Match(ctx context.Context, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	base := filepath.Join(p.dir, objectName(key))
	raw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return meta.entry(body), nil
}

// Put 先写正文再写元数据，元数据的 rename 是条目可见的提交点。
// 分区目录被删除后不会重建，写入返回 ErrPartitionNotFound。
func (p *filePartition) Put(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.Key == "" {
		return errors.New("cache entry key required")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}

	base := filepath.Join(p.dir, objectName(entry.Key))
	unlock := p.backend.lockEntry(base)
	defer unlock()

	if _, err := os.Stat(p.dir); err != nil {
		return p.partitionErr(err)
	}
	if err := writeFileAtomic(p.dir, base+bodySuffix, entry.Body); err != nil {
		return p.partitionErr(err)
	}

	meta, err := json.Marshal(metaFromEntry(entry))
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}
	if err := writeFileAtomic(p.dir, base+metaSuffix, meta); err != nil {
		return p.partitionErr(err)
	}
	return nil
}

func (p *filePartition) partitionErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, p.name)
	}
	return err
}

func (p *filePartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	base := filepath.Join(p.dir, objectName(key))
	unlock := p.backend.lockEntry(base)
	defer unlock()

	existed := true
	if err := os.Remove(base + metaSuffix); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var meta entryMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fileBackend) lockEntry(key string) func() {
	b.mu.Lock()
	lock := b.locks[key]
	if lock == nil {
		lock = &entryLock{}
		b.locks[key] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

// writeFileAtomic 通过临时文件 + rename 保证读者只会看到完整内容。
func writeFileAtomic(dir, target string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
