package gateway

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/stellardb/stellardb/errors"
)

const lockFileName = "node.lock"

// dirLock holds an advisory flock on the data directory so two
// processes never open the same persisted state.
type dirLock struct {
	file *os.File
}

func lockDataDir(path string) (*dirLock, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Info(err, "create data directory failed")
	}
	f, err := os.OpenFile(filepath.Join(path, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Info(err, "open lock file failed")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Info(apierrors.ErrDataDirLocked, path)
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	l.file = nil
	return err
}
