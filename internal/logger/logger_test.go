package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitSetsLevel(t *testing.T) {
	Init(false)
	if Log.GetLevel().String() != "info" {
		t.Errorf("expected info level, got %s", Log.GetLevel())
	}

	Init(true)
	if Log.GetLevel().String() != "debug" {
		t.Errorf("expected debug level, got %s", Log.GetLevel())
	}
}

func TestInitWithFileEmptyDir(t *testing.T) {
	if err := InitWithFile(false, "", nil); err != nil {
		t.Fatalf("InitWithFile() error = %v", err)
	}
	if fileWriter != nil {
		t.Error("expected no file writer for empty dir")
	}
}

func TestInitWithFileCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := InitWithFile(false, dir, &FileConfig{MaxSizeMB: 1}); err != nil {
		t.Fatalf("InitWithFile() error = %v", err)
	}
	defer CloseFileWriter()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected logs dir to exist: %v", err)
	}

	Info().Str("key", "value").Msg("test entry")

	if fileWriter == nil {
		t.Fatal("expected file writer to be set")
	}
	if fileWriter.Filename != filepath.Join(dir, "sandboxd.log") {
		t.Errorf("unexpected log path %q", fileWriter.Filename)
	}
}

func TestCloseFileWriterIdempotent(t *testing.T) {
	if err := InitWithFile(false, t.TempDir(), nil); err != nil {
		t.Fatalf("InitWithFile() error = %v", err)
	}
	if err := CloseFileWriter(); err != nil {
		t.Errorf("first close error = %v", err)
	}
	if err := CloseFileWriter(); err != nil {
		t.Errorf("second close error = %v", err)
	}
}

func TestFileConfigDefaults(t *testing.T) {
	var cfg *FileConfig
	if cfg.maxSizeMB() != 50 || cfg.maxAgeDays() != 7 || cfg.maxBackups() != 3 {
		t.Error("nil config should use defaults")
	}

	cfg = &FileConfig{MaxSizeMB: 10, MaxAgeDays: 1, MaxBackups: 9}
	if cfg.maxSizeMB() != 10 || cfg.maxAgeDays() != 1 || cfg.maxBackups() != 9 {
		t.Error("explicit values should win")
	}
}
