package db

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const MigrationsDir = "migrations"

// goose keeps its base FS, dialect and logger in package globals.
var gooseMu sync.Mutex

// Migrate applies every embedded migration that has not run yet.
func Migrate(databaseURL string, logger *slog.Logger) error {
	sqlDB, release, err := openForGoose(databaseURL, logger)
	if err != nil {
		return err
	}
	defer release()
	if err := goose.Up(sqlDB, MigrationsDir); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func MigrationVersion(databaseURL string, logger *slog.Logger) (int64, error) {
	sqlDB, release, err := openForGoose(databaseURL, logger)
	if err != nil {
		return 0, err
	}
	defer release()
	return goose.GetDBVersion(sqlDB)
}

func openForGoose(databaseURL string, logger *slog.Logger) (*sql.DB, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	connCfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}

	gooseMu.Lock()
	goose.SetBaseFS(EmbedMigrations)
	goose.SetLogger(gooseLogger{log: logger.With("component", "migrate")})
	if err := goose.SetDialect("postgres"); err != nil {
		gooseMu.Unlock()
		return nil, nil, err
	}
	sqlDB := stdlib.OpenDB(*connCfg)
	return sqlDB, func() {
		_ = sqlDB.Close()
		gooseMu.Unlock()
	}, nil
}

type gooseLogger struct {
	log *slog.Logger
}

func (l gooseLogger) Fatal(v ...interface{}) {
	msg := fmt.Sprint(v...)
	l.log.Error(msg)
	panic(msg)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.log.Error(msg)
	panic(msg)
}

func (l gooseLogger) Print(v ...interface{}) {
	l.log.Info(fmt.Sprint(v...))
}

func (l gooseLogger) Println(v ...interface{}) {
	l.log.Info(fmt.Sprint(v...))
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info(fmt.Sprintf(format, v...))
}
