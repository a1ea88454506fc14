// Package cache defines the persistent partitioned store behind the asset
// cache. A Backend hands out one Storage per site (the equivalent of a
// browser's per-origin CacheStorage); a Storage holds named partitions, one per
// cache generation; a Partition maps request identifiers (full URLs) to
// immutable response snapshots. Three backends are provided: plain files under
// StoragePath (temp file + rename), a single SQLite database, and an S3/MinIO
// bucket. The worker package depends only on the interfaces declared here.
package cache
