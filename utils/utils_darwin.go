package utils

import (
	"os"
	"path/filepath"
	"syscall"

	errw "github.com/pkg/errors"
)

// SyncFS implements file system sync for Darwin (macOS).
func SyncFS(syncPath string) (errRet error) {
	file, errRet := os.Open(filepath.Dir(syncPath))
	if errRet != nil {
		return errw.Wrapf(errRet, "syncing fs %s", syncPath)
	}
	defer func() {
		err := file.Close()
		if err != nil {
			errRet = errw.Wrapf(err, "closing file during sync fs %s", syncPath)
		}
	}()

	// On Darwin, we use fsync instead of syncfs
	err := syscall.Fsync(int(file.Fd()))
	if err != nil {
		errRet = errw.Wrapf(err, "syncing fs %s", syncPath)
	}
	return errRet
}
