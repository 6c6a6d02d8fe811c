package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/xiaoxuxiansheng/goxa/xa"
)

const LockFileSuffix = ".lck"

// LogFileLock 日志目录上的排他建议锁，保证同一份日志只有一个存活的引擎
type LogFileLock struct {
	mux   sync.Mutex
	dir   string
	path  string
	flock *flock.Flock
	held  bool
}

func NewLogFileLock(dir, base string) *LogFileLock {
	path := filepath.Join(dir, base+LockFileSuffix)
	return &LogFileLock{
		dir:   dir,
		path:  path,
		flock: flock.New(path),
	}
}

// Acquire 非阻塞地获取锁，已被持有（包括被自己持有）时返回 ErrLog
func (l *LogFileLock) Acquire() error {
	l.mux.Lock()
	defer l.mux.Unlock()
	if l.held {
		return fmt.Errorf("%w: %w: lock %s already acquired", xa.ErrLog, xa.ErrIllegalState, l.path)
	}

	if err := os.MkdirAll(l.dir, LogDirPerm); err != nil {
		return fmt.Errorf("%w: create log dir %s: %v", xa.ErrLog, l.dir, err)
	}
	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", xa.ErrLog, l.path, err)
	}
	if !locked {
		return fmt.Errorf("%w: log %s is in use by another instance", xa.ErrLog, l.path)
	}
	l.held = true
	return nil
}

// Release 释放锁，未持有时直接返回
func (l *LogFileLock) Release() error {
	l.mux.Lock()
	defer l.mux.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("%w: unlock %s: %v", xa.ErrLog, l.path, err)
	}
	return nil
}

// Path 锁文件路径
func (l *LogFileLock) Path() string {
	return l.path
}
