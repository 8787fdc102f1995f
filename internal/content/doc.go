// Package content builds and compares manifests of a local site tree.
//
// A [Manifest] maps every relative file path to its sha256 content digest and
// is recomputed from disk on every run; it is never persisted here. [Diff]
// compares the manifest against what storage already holds and yields the
// added, modified and removed paths that drive uploads and invalidation.
//
// Scanning enforces a per-file size limit and rejects symlinks, so a tree
// can never publish files from outside its root.
package content
