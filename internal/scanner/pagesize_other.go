//go:build !unix

package scanner

// hostPageSize falls back to the common 4KiB page size on hosts where
// golang.org/x/sys/unix isn't available.
func hostPageSize() uint64 {
	return 4096
}
