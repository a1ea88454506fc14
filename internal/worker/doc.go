// Package worker implements the versioned offline asset cache: a Controller
// exposing Install, Activate and HandleRequest over a cache.Storage and a
// network Fetcher, and a Worker that drives the per-site lifecycle
// (installing → active → evicted), persists the registration and keeps the
// previously active generation serving when a new installation fails.
//
// The Controller keeps no lifecycle state of its own; every operation receives
// the generation label it acts on.
package worker
