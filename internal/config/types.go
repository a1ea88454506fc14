package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// DefaultGeneration 是未显式配置 Generation 时使用的缓存代标签。
const DefaultGeneration = "zdevstack-v1"

// DefaultAssets 是构建期固定的预缓存清单；修改清单时必须同时提升 Generation。
var DefaultAssets = []string{
	"/",
	"/index.html",
	"/pages/allproject.html",
	"/css/style.css",
	"/css/global.css",
	"/css/fonts.css",
	"/css/resopnsive.css",
	"/js/app.js",
	"/js/gsap.min.js",
	"/js/scrolltrigger.min.js",
	"/js/lenis.js",
	"/js/partical.js",
	"/assets/images/logo-gradient.svg",
	"/assets/images/fav-icon.png",
}

// S3Config 描述 s3 后端所需的连接参数，仅在 StorageBackend = "s3" 时生效。
type S3Config struct {
	Endpoint  string `mapstructure:"Endpoint"`
	Bucket    string `mapstructure:"Bucket"`
	AccessKey string `mapstructure:"AccessKey"`
	SecretKey string `mapstructure:"SecretKey"`
	Region    string `mapstructure:"Region"`
	UseSSL    bool   `mapstructure:"UseSSL"`
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageBackend     string   `mapstructure:"StorageBackend"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	UpstreamRateLimit  float64  `mapstructure:"UpstreamRateLimit"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	WatchConfig        bool     `mapstructure:"WatchConfig"`
	S3                 S3Config `mapstructure:"S3"`
}

// SiteConfig 对应一个对外 origin：它拥有独立的缓存分区、代标签与预缓存清单。
type SiteConfig struct {
	Name       string   `mapstructure:"Name"`
	Domain     string   `mapstructure:"Domain"`
	Origin     string   `mapstructure:"Origin"`
	Upstream   string   `mapstructure:"Upstream"`
	Generation string   `mapstructure:"Generation"`
	Assets     []string `mapstructure:"Assets"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// OriginURL 返回解析后的 origin，假定 Validate 已经通过。
func (s SiteConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(s.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// UpstreamURL 返回实际回源地址，未配置 Upstream 时与 Origin 相同。
func (s SiteConfig) UpstreamURL() *url.URL {
	raw := s.Upstream
	if raw == "" {
		raw = s.Origin
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return parsed
}

// Manifest 返回清单副本，避免调用方修改配置中的切片。
func (s SiteConfig) Manifest() []string {
	return append([]string(nil), s.Assets...)
}

// Site 根据名称查找站点配置。
func (c *Config) Site(name string) (SiteConfig, bool) {
	if c == nil {
		return SiteConfig{}, false
	}
	for _, site := range c.Sites {
		if site.Name == name {
			return site, true
		}
	}
	return SiteConfig{}, false
}

// GenerationSummary 返回所有站点的 name:generation 摘要，供日志字段使用。
func GenerationSummary(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Generation)
	}
	return result
}
