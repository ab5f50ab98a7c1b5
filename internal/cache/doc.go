// Package cache keeps decoded clips so that sample playback does not decode
// the same file twice. Clips live in an in-memory LRU (L1) and, compressed
// with zstd, in a persistent disk cache (L2).
package cache
