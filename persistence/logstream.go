package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const (
	LogFileSuffix = ".log"
	LogFilePerm   = 0644
	LogDirPerm    = 0755
)

// LogStream 日志的字节流存储：追加写、顺序读、以 checkpoint 截断
type LogStream interface {
	// 顺序回放整个日志
	Replay(fn func(record *Record) error) error
	// 追加一条记录，返回前保证已经落盘
	Append(record *Record) error
	// 以给定的存活快照重写日志，丢弃之前的全部历史
	Checkpoint(images []*StateImage) error
	Close() error
}

// FileLogStream 基于单个文件的 LogStream 实现
type FileLogStream struct {
	mux  sync.Mutex
	dir  string
	base string
	fd   *os.File
}

// OpenFileLogStream 打开 dir 目录下的 base.log，不存在时创建
func OpenFileLogStream(dir, base string) (*FileLogStream, error) {
	if err := os.MkdirAll(dir, LogDirPerm); err != nil {
		return nil, fmt.Errorf("%w: create log dir %s: %v", xa.ErrLog, dir, err)
	}
	s := FileLogStream{dir: dir, base: base}
	fd, err := s.open()
	if err != nil {
		return nil, err
	}
	s.fd = fd
	return &s, nil
}

// Path 日志文件路径
func (s *FileLogStream) Path() string {
	return filepath.Join(s.dir, s.base+LogFileSuffix)
}

func (s *FileLogStream) open() (*os.File, error) {
	fd, err := os.OpenFile(s.Path(), os.O_RDWR|os.O_CREATE|os.O_APPEND, LogFilePerm)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", xa.ErrLog, s.Path(), err)
	}
	return fd, nil
}

func (s *FileLogStream) Replay(fn func(record *Record) error) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.fd == nil {
		return fmt.Errorf("%w: log stream %s is closed", xa.ErrIllegalState, s.Path())
	}

	if _, err := s.fd.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek %s: %v", xa.ErrLog, s.Path(), err)
	}
	reader := bufio.NewReader(s.fd)

	var offset int64
	for {
		record, size, err := decodeRecord(reader)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, errTornRecord) {
			// 尾部未写完整的记录从未被确认过，直接截断
			log.Warnf("log stream %s: discarding incomplete record at offset %d: %v", s.Path(), offset, err)
			return s.truncate(offset)
		}
		if err != nil {
			return fmt.Errorf("%w: %s at offset %d: %v", xa.ErrLog, s.Path(), offset, err)
		}
		if err := fn(record); err != nil {
			return err
		}
		offset += size
	}
}

func (s *FileLogStream) truncate(offset int64) error {
	if err := s.fd.Truncate(offset); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", xa.ErrLog, s.Path(), err)
	}
	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", xa.ErrLog, s.Path(), err)
	}
	return nil
}

func (s *FileLogStream) Append(record *Record) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.fd == nil {
		return fmt.Errorf("%w: log stream %s is closed", xa.ErrIllegalState, s.Path())
	}

	if _, err := s.fd.Write(encodeRecord(record)); err != nil {
		return fmt.Errorf("%w: append to %s: %v", xa.ErrLog, s.Path(), err)
	}
	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", xa.ErrLog, s.Path(), err)
	}
	return nil
}

// Checkpoint 先把 checkpoint 标记与全部存活快照写入临时文件并落盘，
// 再原子地 rename 覆盖旧日志. rename 之前崩溃，旧日志依然完整.
func (s *FileLogStream) Checkpoint(images []*StateImage) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.fd == nil {
		return fmt.Errorf("%w: log stream %s is closed", xa.ErrIllegalState, s.Path())
	}

	tmpPath := s.Path() + ".tmp"
	if err := s.writeCheckpointFile(tmpPath, images); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename checkpoint %s: %v", xa.ErrLog, tmpPath, err)
	}

	// rename 之后旧文件已经被替换，必须先切到新文件再处理后续错误，否则追加会写进孤儿文件
	_ = s.fd.Close()
	fd, err := s.open()
	if err != nil {
		s.fd = nil
		return err
	}
	s.fd = fd
	return s.syncDir()
}

func (s *FileLogStream) writeCheckpointFile(path string, images []*StateImage) error {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, LogFilePerm)
	if err != nil {
		return fmt.Errorf("%w: create checkpoint %s: %v", xa.ErrLog, path, err)
	}
	defer fd.Close()

	writer := bufio.NewWriter(fd)
	if _, err := writer.Write(encodeRecord(&Record{Op: OpCheckpoint})); err != nil {
		return fmt.Errorf("%w: write checkpoint %s: %v", xa.ErrLog, path, err)
	}
	for _, img := range images {
		if _, err := writer.Write(encodeRecord(writeRecord(img))); err != nil {
			return fmt.Errorf("%w: write checkpoint %s: %v", xa.ErrLog, path, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush checkpoint %s: %v", xa.ErrLog, path, err)
	}
	if err := fd.Sync(); err != nil {
		return fmt.Errorf("%w: sync checkpoint %s: %v", xa.ErrLog, path, err)
	}
	return nil
}

func (s *FileLogStream) syncDir() error {
	dir, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("%w: open log dir %s: %v", xa.ErrLog, s.dir, err)
	}
	defer dir.Close()
	// 部分平台不支持对目录 fsync
	_ = dir.Sync()
	return nil
}

func (s *FileLogStream) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.fd == nil {
		return nil
	}
	err := s.fd.Close()
	s.fd = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %v", xa.ErrLog, s.Path(), err)
	}
	return nil
}
