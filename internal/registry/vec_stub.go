//go:build !sqlite_vec || !cgo

package registry

// Builds without the sqlite_vec tag skip the extension entirely; vector
// ranking runs in-process over the stored embeddings.
const vecBuildEnabled = false
