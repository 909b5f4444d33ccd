package config

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger routes the standard logger to stdout plus a size-rotated file.
// Safe to call with an empty path; logging then stays on stdout only.
func (c *Config) InitLogger() {
	path := c.Log.Path
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("Failed to create log directory for %s: %v", path, err)
		return
	}

	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rotated))
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}
