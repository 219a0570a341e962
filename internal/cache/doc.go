// Package cache provides the result cache shared by the generation stages.
// It includes a sharded in-memory LRU (L1) with per-entry TTL, an optional
// zstd-compressed disk tier (L2), and named logical caches layered on top.
package cache
