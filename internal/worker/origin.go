package worker

import (
	"fmt"
	"net/url"
	"strings"
)

// sameOrigin 比较 scheme + host + port，缺省端口按 scheme 补齐。
func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// resolveManifest 将清单条目解析为 origin 下的绝对 URL，保持顺序并去重。
func resolveManifest(origin *url.URL, manifest []string) ([]*url.URL, error) {
	if origin == nil {
		return nil, fmt.Errorf("origin required")
	}
	seen := make(map[string]struct{}, len(manifest))
	targets := make([]*url.URL, 0, len(manifest))
	for _, raw := range manifest {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse manifest entry %q: %w", raw, err)
		}
		target := origin.ResolveReference(ref)
		if !sameOrigin(target, origin) {
			return nil, fmt.Errorf("manifest entry %q is not same-origin", raw)
		}
		target.Fragment = ""
		key := target.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, target)
	}
	return targets, nil
}
