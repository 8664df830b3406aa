// Package cache indexes stage layers by cache key.
//
// Each completed build stage is recorded as a row mapping its cache key to
// the layer it produced (blob digest, diff ID, media type, size). The index
// lives in a SQLite database; the layer blobs themselves stay in the
// container runtime's content store. A key chains the key of the stage
// below it with the stage's own inputs, so a row is valid for exactly one
// combination of base image and stage inputs.
//
// The index does not know whether a blob still exists; callers check the
// runtime before trusting a hit.
package cache
