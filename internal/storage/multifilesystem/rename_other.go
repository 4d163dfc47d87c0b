//go:build !linux

package multifilesystem

import "errors"

func exchangeRename(src, dst string) error {
	return errors.New("rename exchange not supported")
}
