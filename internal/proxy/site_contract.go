package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/asset-hub/internal/server"
)

// SiteHandler is the runtime contract each site must provide to serve requests.
type SiteHandler = server.ProxyHandler

// SiteRegistration binds a site name to its handler.
type SiteRegistration struct {
	Site    string
	Handler SiteHandler
}

// ErrSiteHandlerExists indicates a handler has already been registered for the site.
var ErrSiteHandlerExists = errors.New("site handler already registered")

// Validate ensures both site and handler are present before registration.
func (r SiteRegistration) Validate() error {
	if strings.TrimSpace(r.Site) == "" {
		return errors.New("site name required")
	}
	if r.Handler == nil {
		return errors.New("site handler required")
	}
	return nil
}

// Register 将站点 handler 加入 Forwarder，同名站点只能注册一次。
func (f *Forwarder) Register(reg SiteRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	key := normalizeSiteKey(reg.Site)
	if _, loaded := f.handlers.LoadOrStore(key, reg.Handler); loaded {
		return fmt.Errorf("%w: %s", ErrSiteHandlerExists, key)
	}
	return nil
}

// MustRegister panics when registration fails; suitable for startup wiring.
func (f *Forwarder) MustRegister(reg SiteRegistration) {
	if err := f.Register(reg); err != nil {
		panic(err)
	}
}
