// Package cachestore holds remote layer cache backends and the
// instrumentation wrapper shared by every backend.
package cachestore
