//go:build unix

package scanner

import "golang.org/x/sys/unix"

// hostPageSize reports the scanning host's page size, used to chunk large
// ranges into page-aligned units before fanning a scan out across them —
// the same granularity a real process_vm_readv-backed embedder reads in,
// so a fan-out over a handful of huge ranges doesn't starve the errgroup
// of parallelism.
func hostPageSize() uint64 {
	n := unix.Getpagesize()
	if n <= 0 {
		return 4096
	}
	return uint64(n)
}
