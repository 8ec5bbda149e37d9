// Package core composes the gateway's parts into something runnable.
//
//	registry, supervisor, relay  →  session  →  core  →  cmd (CLI)
//
// [Build] is the single place where a Config becomes a running
// [Gateway]: the TCP listener, and optionally the SSH publisher, the
// metrics endpoint and the registry watcher.
package core
