/**
 * 基础设施层:日志文件Hook
 * @description: 按日志类型(access/business/error/system)分文件落盘，滚动交给lumberjack
 */
package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"helmsman/internal/config"
)

// typedLogFiles 已知日志类型对应的文件名，未知类型写入主日志文件
var typedLogFiles = map[string]string{
	string(AccessLog):   "access.log",
	string(BusinessLog): "business.log",
	string(ErrorLog):    "error.log",
	string(SystemLog):   "system.log",
}

// FileHook 将不同类型的日志条目写入各自的滚动文件
// 仅在output=file时生效，writer按类型惰性创建
type FileHook struct {
	cfg       *config.LogConfig
	formatter logrus.Formatter

	mu      sync.Mutex
	writers map[string]io.Writer
}

// NewFileHook 创建文件Hook
func NewFileHook(cfg *config.LogConfig) *FileHook {
	return &FileHook{
		cfg:     cfg,
		writers: make(map[string]io.Writer),
		formatter: &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
				logrus.FieldKeyFile:  "file",
			},
		},
	}
}

// Levels 全级别生效
func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 将日志条目按type字段路由到对应文件
func (h *FileHook) Fire(entry *logrus.Entry) error {
	if h.cfg.Output != "file" || h.cfg.FilePath == "" {
		return nil
	}

	formatted, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	writer, err := h.writerFor(entryLogType(entry))
	if err != nil {
		return err
	}
	_, err = writer.Write(formatted)
	return err
}

// entryLogType 从条目字段提取日志类型
func entryLogType(entry *logrus.Entry) string {
	switch t := entry.Data["type"].(type) {
	case LogType:
		return string(t)
	case string:
		return t
	default:
		return ""
	}
}

// writerFor 返回指定类型的滚动writer，调用方持锁
func (h *FileHook) writerFor(logType string) (io.Writer, error) {
	filename := h.cfg.FilePath
	if typed, ok := typedLogFiles[logType]; ok {
		filename = filepath.Join(filepath.Dir(h.cfg.FilePath), typed)
	} else {
		logType = "default"
	}

	if writer, ok := h.writers[logType]; ok {
		return writer, nil
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, err
	}

	writer := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    h.cfg.MaxSize,
		MaxBackups: h.cfg.MaxBackups,
		MaxAge:     h.cfg.MaxAge,
		Compress:   h.cfg.Compress,
	}
	h.writers[logType] = writer
	return writer, nil
}
