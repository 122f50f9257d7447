// Package cryptoutil holds the small hashing and randomness helpers shared by
// the secret watcher and the image store: constant-time secret comparison,
// log-safe fingerprints, SHA-256 digests for object integrity, and random hex suffixes.
package cryptoutil
