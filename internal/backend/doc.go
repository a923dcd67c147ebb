// Package backend defines the execution interface every worker backend
// (local subprocesses, remote rank agents) implements, the shared Base that
// owns a backend's worker pool and finalizes tasks, and the registry the CLI
// and HTTP surface use to select a backend by name.
package backend
