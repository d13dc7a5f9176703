// Package launch starts the built backend server and supervises it until it
// exits or the user stops it.
//
// Readiness means the server accepts TCP connections on its declared port
// (and, when configured, answers a health path with a non-5xx status). The
// way the server exits is mapped to a small set of outcomes so callers can
// return distinguishable process exit codes. There is no restart policy.
package launch
