// Package storage provides the key-value Store abstraction peers use to
// persist local state, and MemoryStore, the in-memory implementation
// backing it. NodeDirectory (node_directory.go) layers a typed view over
// Store for the set of peers learned through RegisterNode, so the registry
// of known node descriptors can later move to a persistent Store without
// its callers changing.
package storage
