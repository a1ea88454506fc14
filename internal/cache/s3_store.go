package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// partitionMarker 是分区创建时写入的空对象，使空分区也能被 Keys/Has 发现。
const partitionMarker = ".partition"

// S3Options 描述 S3/MinIO 连接参数。
type S3Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewS3Backend 连接 S3 兼容存储，bucket 不存在时自动创建。
// 对象布局：<scope>/<partition>/<sha256(key)>.body|.meta.json
func NewS3Backend(ctx context.Context, opts S3Options) (Backend, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &s3Backend{client: client, bucket: opts.Bucket}, nil
}

type s3Backend struct {
	client *minio.Client
	bucket string
}

func (b *s3Backend) Name() string { return "s3" }

func (b *s3Backend) Close() error { return nil }

func (b *s3Backend) Storage(scope string) Storage {
	return &s3Storage{backend: b, scope: scope}
}

type s3Storage struct {
	backend *s3Backend
	scope   string
}

func (s *s3Storage) prefix(name string) (string, error) {
	if err := validateName(s.scope); err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	return s.scope + "/" + name + "/", nil
}

func (s *s3Storage) Open(ctx context.Context, name string) (Partition, error) {
	prefix, err := s.prefix(name)
	if err != nil {
		return nil, err
	}
	_, err = s.backend.client.PutObject(ctx, s.backend.bucket, prefix+partitionMarker,
		bytes.NewReader(nil), 0, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &s3Partition{backend: s.backend, name: name, prefix: prefix}, nil
}

func (s *s3Storage) Lookup(ctx context.Context, name string) (Partition, error) {
	prefix, err := s.prefix(name)
	if err != nil {
		return nil, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	return &s3Partition{backend: s.backend, name: name, prefix: prefix}, nil
}

func (s *s3Storage) Has(ctx context.Context, name string) (bool, error) {
	prefix, err := s.prefix(name)
	if err != nil {
		return false, err
	}
	_, err = s.backend.client.StatObject(ctx, s.backend.bucket, prefix+partitionMarker, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *s3Storage) Delete(ctx context.Context, name string) (bool, error) {
	prefix, err := s.prefix(name)
	if err != nil {
		return false, err
	}

	objects := make(chan minio.ObjectInfo)
	var (
		found   bool
		listErr error
	)
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		listed := s.backend.client.ListObjects(ctx, s.backend.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		})
		found, listErr = feedObjects(ctx, listed, objects)
	}()

	var removeErr error
	for result := range s.backend.client.RemoveObjects(ctx, s.backend.bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && removeErr == nil {
			removeErr = fmt.Errorf("remove %s: %w", result.ObjectName, result.Err)
		}
	}
	<-fed
	if listErr != nil {
		return false, fmt.Errorf("list partition %s: %w", name, listErr)
	}
	if removeErr != nil {
		return false, removeErr
	}
	return found, nil
}

// feedObjects 把 listed 中的对象转发给 out 并在返回前关闭 out。
// 遇到列举错误或 ctx 取消即停止，即使 out 已无人读取也不会阻塞。
func feedObjects(ctx context.Context, listed <-chan minio.ObjectInfo, out chan<- minio.ObjectInfo) (bool, error) {
	defer close(out)
	found := false
	for obj := range listed {
		if obj.Err != nil {
			return found, obj.Err
		}
		found = true
		select {
		case out <- obj:
		case <-ctx.Done():
			return found, ctx.Err()
		}
	}
	return found, nil
}

func (s *s3Storage) Keys(ctx context.Context) ([]string, error) {
	if err := validateName(s.scope); err != nil {
		return nil, err
	}
	scopePrefix := s.scope + "/"
	var names []string
	for obj := range s.backend.client.ListObjects(ctx, s.backend.bucket, minio.ListObjectsOptions{
		Prefix:    scopePrefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list partitions: %w", obj.Err)
		}
		if !strings.HasSuffix(obj.Key, "/") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, scopePrefix), "/")
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

type s3Partition struct {
	backend *s3Backend
	name    string
	prefix  string
}

func (p *s3Partition) Name() string { return p.name }

func (p *s3Partition) Match(ctx context.Context, key string) (*Entry, error) {
	base := p.prefix + objectName(key)
	raw, err := p.readObject(ctx, base+metaSuffix)
	if err != nil {
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}
	body, err := p.readObject(ctx, base+bodySuffix)
	if err != nil {
		return nil, err
	}
	return meta.entry(body), nil
}

// Put 与 fs 后端一致：先写正文，元数据对象写入后条目才可见。
// 分区标记对象不存在时返回 ErrPartitionNotFound。
func (p *s3Partition) Put(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.Key == "" {
		return errors.New("cache entry key required")
	}
	if _, err := p.backend.client.StatObject(ctx, p.backend.bucket, p.prefix+partitionMarker, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s", ErrPartitionNotFound, p.name)
		}
		return fmt.Errorf("cache put: %w", err)
	}
	base := p.prefix + objectName(entry.Key)
	contentType := entry.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := p.backend.client.PutObject(ctx, p.backend.bucket, base+bodySuffix,
		bytes.NewReader(entry.Body), int64(len(entry.Body)),
		minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("cache put body: %w", err)
	}

	meta, err := json.Marshal(metaFromEntry(entry))
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}
	if _, err := p.backend.client.PutObject(ctx, p.backend.bucket, base+metaSuffix,
		bytes.NewReader(meta), int64(len(meta)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("cache put meta: %w", err)
	}
	return nil
}

func (p *s3Partition) Delete(ctx context.Context, key string) (bool, error) {
	base := p.prefix + objectName(key)
	if _, err := p.backend.client.StatObject(ctx, p.backend.bucket, base+metaSuffix, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	for _, name := range []string{base + metaSuffix, base + bodySuffix} {
		if err := p.backend.client.RemoveObject(ctx, p.backend.bucket, name, minio.RemoveObjectOptions{}); err != nil {
			return false, fmt.Errorf("cache delete: %w", err)
		}
	}
	return true, nil
}

func (p *s3Partition) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	for obj := range p.backend.client.ListObjects(ctx, p.backend.bucket, minio.ListObjectsOptions{
		Prefix:    p.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list cache keys: %w", obj.Err)
		}
		if !strings.HasSuffix(path.Base(obj.Key), metaSuffix) {
			continue
		}
		raw, err := p.readObject(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
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

func (p *s3Partition) readObject(ctx context.Context, name string) ([]byte, error) {
	obj, err := p.backend.client.GetObject(ctx, p.backend.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
