package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/JoeGlenn1213/lgh/pkg/fsutil"
)

var ErrAlreadyRunning = errors.New("daemon already running")

// Running reports the pid recorded in pidPath when that process is alive.
func Running(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func acquirePidFile(pidPath string) error {
	if pid, alive := Running(pidPath); alive && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := fsutil.WriteFileAtomic(pidPath, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func removePidFile(pidPath string) {
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		zap.L().Warn("failed to remove pid file", zap.String("path", pidPath), zap.Error(err))
	}
}
