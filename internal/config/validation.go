package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendFS:     {},
	BackendSQLite: {},
	BackendS3:     {},
}

const supportedBackendList = "fs|sqlite|s3"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.StorageBackend == BackendS3 {
		if strings.TrimSpace(g.S3.Endpoint) == "" {
			return newFieldError("Global.S3.Endpoint", "s3 后端必须提供")
		}
		if strings.TrimSpace(g.S3.Bucket) == "" {
			return newFieldError("Global.S3.Bucket", "s3 后端必须提供")
		}
		if (g.S3.AccessKey == "") != (g.S3.SecretKey == "") {
			return newFieldError("Global.S3.AccessKey/SecretKey", "必须同时提供或同时留空")
		}
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.UpstreamRateLimit < 0 {
		return newFieldError("Global.UpstreamRateLimit", "不能为负数")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, `/\ `) {
			return newFieldError(siteField(site.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domain := strings.ToLower(site.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if site.Upstream != "" {
			if err := validateOrigin(site.Upstream); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
			}
		}
		if err := validateGeneration(site.Generation); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Generation"), err)
		}
		if len(site.Assets) == 0 {
			return newFieldError(siteField(site.Name, "Assets"), "不能为空")
		}
		for _, asset := range site.Assets {
			if err := validateAsset(site.Origin, asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Assets"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("不允许包含路径: %s", raw)
	}
	return nil
}

func validateGeneration(label string) error {
	if label == "" {
		return errors.New("Generation 不能为空")
	}
	if strings.ContainsAny(label, `/\`) || label == "." || label == ".." {
		return fmt.Errorf("Generation 不允许包含路径: %s", label)
	}
	if strings.HasPrefix(label, ".") {
		return fmt.Errorf("Generation 不允许以 . 开头: %s", label)
	}
	return nil
}

// validateAsset 要求清单条目是绝对路径，或与站点 origin 同源的完整 URL。
func validateAsset(origin, asset string) error {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return errors.New("清单条目不能为空")
	}
	if strings.HasPrefix(trimmed, "/") && !strings.HasPrefix(trimmed, "//") {
		return nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("无法解析清单条目 %s: %w", trimmed, err)
	}
	base, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if !strings.EqualFold(parsed.Scheme, base.Scheme) || !strings.EqualFold(parsed.Host, base.Host) {
		return fmt.Errorf("清单条目必须同源: %s", trimmed)
	}
	return nil
}
