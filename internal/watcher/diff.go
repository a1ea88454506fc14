package watcher

import (
	"slices"

	"github.com/any-hub/asset-hub/internal/config"
)

// ChangeKind 描述站点配置的变化类型。
type ChangeKind string

const (
	// ChangeGeneration 表示 Generation 提升，需要安装新缓存代。
	ChangeGeneration ChangeKind = "generation"
	// ChangeManifest 表示 Assets 变化但 Generation 未提升，不会触发安装。
	ChangeManifest ChangeKind = "manifest"
	// ChangeAdded 表示新增站点，需重启后生效。
	ChangeAdded ChangeKind = "added"
	// ChangeRemoved 表示站点被删除，需重启后生效。
	ChangeRemoved ChangeKind = "removed"
	// ChangeRouting 表示 Domain/Origin/Upstream 变化，需重启后生效。
	ChangeRouting ChangeKind = "routing"
)

// SiteChange 是单个站点的变化。
type SiteChange struct {
	Site string
	Kind ChangeKind
	// Config 为变化后的站点配置，ChangeRemoved 时为零值。
	Config config.SiteConfig
}

// Diff 比较新旧配置。缓存代由 Generation 标识，只改 Assets 报告为 ChangeManifest。
func Diff(previous, next *config.Config) []SiteChange {
	var changes []SiteChange
	before := map[string]config.SiteConfig{}
	if previous != nil {
		for _, site := range previous.Sites {
			before[site.Name] = site
		}
	}
	seen := map[string]struct{}{}
	if next != nil {
		for _, site := range next.Sites {
			seen[site.Name] = struct{}{}
			old, ok := before[site.Name]
			switch {
			case !ok:
				changes = append(changes, SiteChange{Site: site.Name, Kind: ChangeAdded, Config: site})
			case old.Domain != site.Domain || old.Origin != site.Origin || old.Upstream != site.Upstream:
				changes = append(changes, SiteChange{Site: site.Name, Kind: ChangeRouting, Config: site})
			case old.Generation != site.Generation:
				changes = append(changes, SiteChange{Site: site.Name, Kind: ChangeGeneration, Config: site})
			case !slices.Equal(old.Assets, site.Assets):
				changes = append(changes, SiteChange{Site: site.Name, Kind: ChangeManifest, Config: site})
			}
		}
	}
	if previous != nil {
		for _, site := range previous.Sites {
			if _, ok := seen[site.Name]; !ok {
				changes = append(changes, SiteChange{Site: site.Name, Kind: ChangeRemoved})
			}
		}
	}
	return changes
}
