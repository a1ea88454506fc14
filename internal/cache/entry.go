package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Entry 是一次写入时刻的响应快照（状态码、响应头、正文）。写入后不可变，
// 之后对同一 key 的写入会整体替换。
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// RequestKey 计算请求标识：完整 URL，去掉 fragment。
func RequestKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	return clone.String()
}

// NewEntry 基于已读出的正文构建快照。header 会被深拷贝，调用方后续修改不影响快照。
func NewEntry(key string, status int, header http.Header, body []byte) *Entry {
	return &Entry{
		Key:      key,
		Status:   status,
		Header:   header.Clone(),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now().UTC(),
	}
}

// Response 将快照还原为 *http.Response。每次调用都返回独立的正文 Reader，
// 多个调用方可以并发消费同一条目。
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	status := e.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// entryMeta 是 fs/s3 后端写入的元数据文件格式，正文单独存放。
type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
}

func metaFromEntry(entry *Entry) entryMeta {
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return entryMeta{
		Key:      entry.Key,
		Status:   entry.Status,
		Header:   entry.Header,
		Size:     int64(len(entry.Body)),
		StoredAt: storedAt,
	}
}

func (m entryMeta) entry(body []byte) *Entry {
	return &Entry{
		Key:      m.Key,
		Status:   m.Status,
		Header:   m.Header,
		Body:     body,
		StoredAt: m.StoredAt,
	}
}

// objectName 将请求标识映射为定长的文件/对象名，避免 URL 中的特殊字符影响路径。
func objectName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
