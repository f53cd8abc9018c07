package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogRotator 带大小轮转的日志文件，作为 logrus 的 Output
// 只保留一个备份: gateway.log -> gateway.log.old
type LogRotator struct {
	filename    string
	maxSize     int64 // bytes，<= 0 表示不轮转
	mu          sync.Mutex
	file        *os.File
	currentSize int64
}

// NewLogRotator maxSizeMB 为单个文件上限 (MB)
func NewLogRotator(filename string, maxSizeMB int) (*LogRotator, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	r := &LogRotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) openFile() error {
	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.currentSize = stat.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.maxSize > 0 && r.currentSize > 0 && r.currentSize+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			// 轮转失败时继续写当前文件
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	return n, err
}

func (r *LogRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	backup := r.filename + ".old"
	_ = os.Remove(backup)
	renameErr := os.Rename(r.filename, backup)
	// rename 失败也要重新打开
	if err := r.openFile(); err != nil {
		r.file = nil
		return err
	}
	return renameErr
}

func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
