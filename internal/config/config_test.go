package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StorageBackend != BackendFS {
		t.Fatalf("StorageBackend 应默认为 fs，得到 %s", cfg.Global.StorageBackend)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应解析为 15s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.InstallConcurrency != 4 {
		t.Fatalf("InstallConcurrency 应默认为 4，得到 %d", cfg.Global.InstallConcurrency)
	}
	site := cfg.Sites[0]
	if site.Upstream != site.Origin {
		t.Fatalf("未设置 Upstream 时应回退 Origin，得到 %s", site.Upstream)
	}
	if len(site.Assets) != len(DefaultAssets) {
		t.Fatalf("未设置 Assets 时应使用内置清单，得到 %d 项", len(site.Assets))
	}
}

func TestValidateRejectsBadSite(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStorageBackendValidation(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		s3        S3Config
		shouldErr bool
	}{
		{"fs ok", BackendFS, S3Config{}, false},
		{"sqlite ok", BackendSQLite, S3Config{}, false},
		{"s3 ok", BackendS3, S3Config{Endpoint: "minio.local:9000", Bucket: "assets"}, false},
		{"s3 missing bucket", BackendS3, S3Config{Endpoint: "minio.local:9000"}, true},
		{"s3 half credentials", BackendS3, S3Config{Endpoint: "minio.local:9000", Bucket: "assets", AccessKey: "k"}, true},
		{"unsupported", "redis", S3Config{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageBackend = tc.backend
			cfg.Global.S3 = tc.s3
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateSiteFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*SiteConfig)
	}{
		{"origin without scheme", func(s *SiteConfig) { s.Origin = "zdevstack.com" }},
		{"origin with path", func(s *SiteConfig) { s.Origin = "https://zdevstack.com/app" }},
		{"bad upstream", func(s *SiteConfig) { s.Upstream = "ftp://mirror.local" }},
		{"generation with slash", func(s *SiteConfig) { s.Generation = "v1/../v0" }},
		{"empty generation", func(s *SiteConfig) { s.Generation = "" }},
		{"domain with scheme", func(s *SiteConfig) { s.Domain = "https://zdevstack.local" }},
		{"relative asset", func(s *SiteConfig) { s.Assets = []string{"css/style.css"} }},
		{"cross-origin asset", func(s *SiteConfig) { s.Assets = []string{"https://fonts.googleapis.com/css"} }},
		{"empty manifest", func(s *SiteConfig) { s.Assets = nil }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Sites[0])
			if err := cfg.Validate(); err == nil {
				t.Fatalf("%s 应当报错", tc.name)
			}
		})
	}
}

func TestValidateAcceptsSameOriginAssetURL(t *testing.T) {
	cfg := validConfig()
	cfg.Sites[0].Assets = []string{"/", "https://zdevstack.com/css/style.css"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("同源完整 URL 应被接受: %v", err)
	}
}

func TestValidateRejectsDuplicateDomains(t *testing.T) {
	cfg := validConfig()
	dup := cfg.Sites[0]
	dup.Name = "mirror"
	cfg.Sites = append(cfg.Sites, dup)
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("重复 Domain 应报错")
	}
	if _, ok := err.(FieldError); !ok {
		t.Fatalf("应返回 FieldError，得到 %T", err)
	}
}

func TestSiteLookupAndManifestCopy(t *testing.T) {
	cfg := validConfig()
	site, ok := cfg.Site("zdevstack")
	if !ok {
		t.Fatalf("应能按名称找到站点")
	}
	manifest := site.Manifest()
	manifest[0] = "/changed"
	if cfg.Sites[0].Assets[0] == "/changed" {
		t.Fatalf("Manifest 应返回副本")
	}
	if _, ok := cfg.Site("unknown"); ok {
		t.Fatalf("未知站点不应命中")
	}
	if got := GenerationSummary(cfg.Sites); len(got) != 1 || got[0] != "zdevstack:zdevstack-v1" {
		t.Fatalf("unexpected summary: %v", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			StoragePath:        "./data",
			StorageBackend:     BackendFS,
			UpstreamTimeout:    Duration(time.Second),
			InstallConcurrency: 2,
		},
		Sites: []SiteConfig{
			{
				Name:       "zdevstack",
				Domain:     "zdevstack.local",
				Origin:     "https://zdevstack.com",
				Upstream:   "https://zdevstack.com",
				Generation: DefaultGeneration,
				Assets:     []string{"/", "/index.html", "/css/style.css"},
			},
		},
	}
}
