package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Store хранит единственное разделяемое состояние: пользователей и платежи.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

type txKey struct{}

// Open подключается к БД и применяет миграции. DSN вида postgres://... открывает
// PostgreSQL, всё остальное считается путём к файлу SQLite.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	cfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
	var dialector gorm.Dialector
	sqliteMode := !isPostgres(dsn)
	if sqliteMode {
		dialector = sqlite.Open(sqliteDSN(dsn))
	} else {
		dialector = postgres.Open(dsn)
	}
	gdb, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if sqliteMode {
		// SQLite допускает одного писателя; одно соединение сериализует транзакции.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("database ready", zap.String("dialect", gdb.Dialector.Name()))
	return &Store{db: gdb, log: log}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx выполняет fn в транзакции, привязанной к контексту. Вложенные вызовы
// присоединяются к внешней транзакции.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// forUpdate блокирует выбранные строки до конца транзакции. В SQLite
// писатель и так один, FOR UPDATE там не поддерживается.
func forUpdate(q *gorm.DB) *gorm.DB {
	if q.Dialector.Name() == "postgres" {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// Dialect возвращает "postgres" или "sqlite".
func (s *Store) Dialect() string {
	return s.db.Dialector.Name()
}

// Snapshot пишет согласованную копию базы SQLite в файл path.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if s.Dialect() != "sqlite" {
		return fmt.Errorf("snapshot is not supported for %s", s.Dialect())
	}
	return s.db.WithContext(ctx).Exec("VACUUM INTO ?", path).Error
}
