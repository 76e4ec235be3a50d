// Package cache provides small key/value caches used to short-circuit hot
// storage lookups, such as ban checks. RistrettoCache is the default; the
// map-backed InMemoryCache needs no background goroutines.
package cache
