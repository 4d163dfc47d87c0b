//go:build linux

package multifilesystem

import "golang.org/x/sys/unix"

// exchangeRename swaps src and dst atomically where the kernel and
// filesystem support RENAME_EXCHANGE.
func exchangeRename(src, dst string) error {
	return unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_EXCHANGE)
}
