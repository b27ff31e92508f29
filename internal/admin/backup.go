package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

type Snapshotter interface {
	Dialect() string
	Snapshot(ctx context.Context, path string) error
}

// Backuper делает копии БД в Dir: SQLite через VACUUM INTO, PostgreSQL через pg_dump.
type Backuper struct {
	Store     Snapshotter
	DSN       string
	Dir       string
	KeepFor   time.Duration
	Log       *zap.Logger
	Now       func() time.Time
	runPgDump func(ctx context.Context, dsn, filename string) error
}

func NewBackuper(store Snapshotter, dsn, dir string, log *zap.Logger) *Backuper {
	return &Backuper{Store: store, DSN: dsn, Dir: dir, KeepFor: 31 * 24 * time.Hour, Log: log, runPgDump: pgDump}
}

func pgDump(ctx context.Context, dsn, filename string) error {
	out, err := exec.CommandContext(ctx, "pg_dump", dsn, "-Fc", "-f", filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_dump: %w: %s", err, out)
	}
	return nil
}

// Run создаёт копию с префиксом prefix и возвращает путь к файлу.
func (b *Backuper) Run(ctx context.Context, prefix string) (string, error) {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return "", err
	}
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	stamp := now.Format("20060102_150405")
	if b.Store.Dialect() == "postgres" {
		filename := filepath.Join(b.Dir, prefix+"_"+stamp+".dump")
		return filename, b.runPgDump(ctx, b.DSN, filename)
	}
	filename := filepath.Join(b.Dir, prefix+"_"+stamp+".db")
	return filename, b.Store.Snapshot(ctx, filename)
}

// CleanOldBackups удаляет все копии старше keep в директории dir
func CleanOldBackups(dir string, keep time.Duration, now time.Time) (int, error) {
	var files []string
	for _, pattern := range []string{"*backup_*.dump", "*backup_*.db"} {
		found, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, err
		}
		files = append(files, found...)
	}
	cutoff := now.Add(-keep)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) && os.Remove(f) == nil {
			removed++
		}
	}
	return removed, nil
}

// AutoBackup запускается по cron: копия и чистка старых файлов.
func (b *Backuper) AutoBackup(ctx context.Context) {
	filename, err := b.Run(ctx, "autobackup")
	if err != nil {
		b.Log.Error("auto backup failed", zap.Error(err))
		return
	}
	removed, err := CleanOldBackups(b.Dir, b.KeepFor, time.Now())
	if err != nil {
		b.Log.Warn("clean old backups", zap.Error(err))
	}
	b.Log.Info("auto backup created", zap.String("file", filename), zap.Int("removed", removed))
}
