// Package util holds small helpers shared by the server, storage backends and
// HTTP handlers: log-safe truncation, token hashing and host classification
// used by redirect URI validation.
package util
