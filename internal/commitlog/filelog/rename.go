package filelog

import (
	"errors"
	"io"
	"os"
	"syscall"
)

// renameFile moves src to dst, falling back to copy-then-remove when the
// two paths live on different filesystems (os.Rename returns EXDEV in that
// case). Adapted from this codebase's directory-move helper, narrowed to a
// single file since segment swaps only ever move individual segment files.
func renameFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else {
		var linkErr *os.LinkError
		if !(errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV)) {
			return err
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
