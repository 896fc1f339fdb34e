package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志输出配置
type Options struct {
	Level string
	// File 非空时同时写入滚动日志文件（JSON 行）
	File       string
	MaxSizeMB  int
	MaxAgeDays int
}

// Setup 初始化全局 logger：控制台彩色输出，可选滚动文件
func Setup(opts Options) error {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	var out io.Writer = console
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		out = zerolog.MultiLevelWriter(console, rotating(opts))
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}

func rotating(opts Options) *lumberjack.Logger {
	size := opts.MaxSizeMB
	if size <= 0 {
		size = 100
	}
	age := opts.MaxAgeDays
	if age <= 0 {
		age = 7
	}
	return &lumberjack.Logger{
		Filename: opts.File,
		MaxSize:  size,
		MaxAge:   age,
		Compress: true,
	}
}
