// SPDX-License-Identifier: MIT

package notify

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const stampLayout = "2006-01-02 15:04:05"

// LogFile appends events to a local log file.
//
// The file is opened for each event and closed again, so the channel
// tolerates the file being rotated or removed underneath it.
type LogFile struct {
	path string
}

// NewLogFile creates a LogFile channel writing to path.
//
// The parent directory is created if needed and a marker line is written to
// verify the file is writable.
func NewLogFile(path string) (*LogFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve log path")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	l := &LogFile{path: abs}
	stamp := time.Now().Format(stampLayout)
	if err := l.append("[" + stamp + "] 日志系统初始化测试\n"); err != nil {
		return nil, err
	}
	return l, nil
}

// Send appends the event as a timestamped record.
func (l *LogFile) Send(e Event) error {
	stamp := time.Now().Format(stampLayout)
	var b strings.Builder
	if e.Kind == KindMemoryFull {
		b.WriteString("[" + stamp + "] 存储空间已满警告\n")
	} else {
		b.WriteString("[" + stamp + "] 发送者: " + e.Sender + "\n")
		b.WriteString("内容: " + e.Content + "\n")
	}
	b.WriteString(strings.Repeat("-", 50))
	b.WriteString("\n")
	return l.append(b.String())
}

// Close implements Channel. The file is not held open between sends.
func (l *LogFile) Close() error {
	return nil
}

func (l *LogFile) append(record string) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	defer f.Close()
	if _, err := f.WriteString(record); err != nil {
		return errors.Wrap(err, "write log file")
	}
	return nil
}
