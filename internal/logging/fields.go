package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/域名/缓存代/拦截结果字段，供代理请求日志复用。
func RequestFields(site, domain, generation, outcome string) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"domain":     domain,
		"generation": generation,
		"outcome":    outcome,
		"cache_hit":  outcome == "hit",
	}
}

// LifecycleFields 描述 install/activate 等生命周期阶段。
func LifecycleFields(site, generation, phase string) logrus.Fields {
	return logrus.Fields{
		"action":     "lifecycle",
		"site":       site,
		"generation": generation,
		"phase":      phase,
	}
}
