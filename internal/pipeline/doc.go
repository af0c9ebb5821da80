// Package pipeline implements the task handlers that drive the external ML
// command. The inference and polygonization logic itself lives in that
// opaque executable; this package only stages inputs, invokes it, and ships
// produced artifacts to storage.
package pipeline
