package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// State 是单个缓存代在注册记录中的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	// StateInstalled 表示安装完成、等待激活。
	StateInstalled State = "installed"
	StateActive    State = "active"
	// StateStale 表示已被新缓存代取代但分区删除失败，下一次激活会重试。
	StateStale   State = "stale"
	StateEvicted State = "evicted"
	StateFailed  State = "failed"
)

// GenerationRecord 记录单个缓存代的最新状态。
type GenerationRecord struct {
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// Registration 是站点的持久化注册记录，进程重启后据此恢复 active 缓存代。
type Registration struct {
	Site        string                      `json:"site"`
	Active      string                      `json:"active,omitempty"`
	ActivatedAt time.Time                   `json:"activated_at,omitzero"`
	Generations map[string]GenerationRecord `json:"generations"`
}

// Labels 按字典序返回记录过的全部缓存代。
func (r Registration) Labels() []string {
	labels := make([]string, 0, len(r.Generations))
	for label := range r.Generations {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// StateOf 返回缓存代的状态，未记录时返回空字符串。
func (r Registration) StateOf(label string) State {
	return r.Generations[label].State
}

func (r *Registration) mark(label string, state State, cause error) {
	if r.Generations == nil {
		r.Generations = map[string]GenerationRecord{}
	}
	record := GenerationRecord{State: state, UpdatedAt: time.Now().UTC()}
	if cause != nil {
		record.Error = cause.Error()
	}
	r.Generations[label] = record
}

func (r Registration) clone() Registration {
	out := r
	out.Generations = make(map[string]GenerationRecord, len(r.Generations))
	for label, record := range r.Generations {
		out.Generations[label] = record
	}
	return out
}

// RegistrationStore 持久化各站点的注册记录。
type RegistrationStore interface {
	// Load 读取站点记录，不存在时返回只带站点名的空记录。
	Load(site string) (Registration, error)
	Save(reg Registration) error
}

// FileRegistrationStore 为每个站点维护一个 <dir>/<site>.json 文件。
type FileRegistrationStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileRegistrationStore 创建存放注册记录的目录。
func NewFileRegistrationStore(dir string) (*FileRegistrationStore, error) {
	if dir == "" {
		return nil, errors.New("registration dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registration dir: %w", err)
	}
	return &FileRegistrationStore{dir: dir}, nil
}

func (s *FileRegistrationStore) path(site string) (string, error) {
	if site == "" || strings.ContainsAny(site, `/\`) || strings.HasPrefix(site, ".") {
		return "", fmt.Errorf("invalid site name %q", site)
	}
	return filepath.Join(s.dir, site+".json"), nil
}

func (s *FileRegistrationStore) Load(site string) (Registration, error) {
	file, err := s.path(site)
	if err != nil {
		return Registration{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Registration{Site: site, Generations: map[string]GenerationRecord{}}, nil
		}
		return Registration{}, err
	}
	var reg Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return Registration{}, fmt.Errorf("decode registration %s: %w", site, err)
	}
	reg.Site = site
	if reg.Generations == nil {
		reg.Generations = map[string]GenerationRecord{}
	}
	return reg, nil
}

func (s *FileRegistrationStore) Save(reg Registration) error {
	file, err := s.path(reg.Site)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".registration-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, file); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
