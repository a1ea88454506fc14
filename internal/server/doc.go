// Package server hosts the Fiber HTTP service, the request middleware chain and
// the site registry that resolves the Host header into a SiteRoute. Handlers
// for the cached asset path live in the proxy package; diagnostics under /-/
// are registered by the routes subpackage.
package server
