package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/Tedyzetaa/r2-trader/internal/config"
	"github.com/Tedyzetaa/r2-trader/internal/db"
	"github.com/Tedyzetaa/r2-trader/internal/engine"
	"github.com/Tedyzetaa/r2-trader/internal/exchange"
	"github.com/Tedyzetaa/r2-trader/internal/executor"
	"github.com/Tedyzetaa/r2-trader/internal/guard"
	"github.com/Tedyzetaa/r2-trader/internal/ledger"
	"github.com/Tedyzetaa/r2-trader/internal/notifier"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to YAML config file")
	exportPath := flag.String("export", "", "Export trade history to CSV at the given path and exit")
	flag.Parse()
	defer logger.Sync()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.L().Fatalf("main | failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildStorage(ctx, cfg)
	if err != nil {
		logger.L().Fatalf("main | failed to set up storage: %v", err)
	}
	defer store.Close()

	led := ledger.New(store, cfg.FeePercent)

	if *exportPath != "" {
		if err := exportTrades(ctx, led, *exportPath); err != nil {
			logger.L().Fatalf("main | export failed: %v", err)
		}
		logger.L().Infof("main | trade history exported to %s", *exportPath)
		return
	}

	exch, err := buildExchange(cfg)
	if err != nil {
		logger.L().Fatalf("main | failed to set up exchange: %v", err)
	}
	logger.L().Infof("main | using exchange %s (testnet=%v)", exch.Name(), cfg.Testnet)

	notif := buildNotifier(cfg)

	exec := executor.New(exch, guard.New(cfg.MinOrderSize), led, executor.Config{
		RequestTimeout: cfg.RequestTimeout.Std(),
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay.Std(),
	})

	eng := engine.New(exch, exec, led, store, notif, engine.Config{
		PollInterval:   cfg.PollInterval.Std(),
		RequestTimeout: cfg.RequestTimeout.Std(),
		KlineLimit:     cfg.KlineLimit,
		FailureBudget:  cfg.FailureBudget,
	})

	sessions := make([]engine.SessionConfig, 0, len(cfg.Sessions))
	for _, sc := range cfg.Sessions {
		strat := sc.Strategy
		strat.PollInterval = sc.PollInterval.Std()
		sessions = append(sessions, engine.SessionConfig{
			Symbol:   sc.Symbol,
			Interval: sc.Interval,
			Quantity: sc.Quantity,
			Strategy: strat,
		})
	}

	if err := eng.Restore(ctx, sessions); err != nil {
		logger.L().Errorf("main | session restore failed: %v", err)
	}
	for _, sc := range sessions {
		if err := eng.StartSession(sc); err != nil {
			if errors.Is(err, engine.ErrDuplicateSession) {
				continue
			}
			logger.L().Errorf("main | failed to start session %s/%s: %v", sc.Symbol, sc.Strategy.Name, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.L().Info("main | graceful shutdown initiated...")

	done := make(chan struct{})
	go func() {
		eng.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.L().Warn("main | shutdown timed out, exiting anyway")
	}
	logger.L().Info("main | shutdown complete")
}

func buildNotifier(cfg config.Config) notifier.Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		return notifier.Noop{}
	}
	return notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay.Std())
}

func buildExchange(cfg config.Config) (exchange.Exchange, error) {
	var exch exchange.Exchange
	switch cfg.Exchange {
	case "binance":
		c, err := exchange.NewBinanceClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.Testnet)
		if err != nil {
			return nil, err
		}
		exch = c
	case "wallex":
		exch = exchange.NewWallexClient(cfg.WallexAPIKey)
	case "mock":
		exch = exchange.NewMockExchange()
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Exchange)
	}
	return exchange.NewRateLimited(exch, cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

func buildStorage(ctx context.Context, cfg config.Config) (db.Storage, error) {
	if cfg.DBConnStr == "" {
		logger.L().Warn("main | no database configured, using in-memory storage")
		return db.NewMemory(), nil
	}
	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			return nil, err
		}
	}
	sqlDB, err := sql.Open("postgres", cfg.DBConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpen)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdle)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db.NewPostgres(sqlDB)
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	logger.L().Info("main | running database migrations...")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	// Connect to the postgres database to create ours if needed.
	pass, _ := u.User.Password()
	baseConnStr := fmt.Sprintf("postgres://%s:%s@%s/postgres", u.User.Username(), pass, u.Host)
	if u.RawQuery != "" {
		baseConnStr += "?" + u.RawQuery
	}
	baseDB, err := sql.Open("postgres", baseConnStr)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		logger.L().Infof("main | creating database %s...", dbName)
		if _, err := baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	appDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer appDB.Close()

	schemaSQL, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := appDB.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	logger.L().Info("main | database migrations completed")
	return nil
}

func exportTrades(ctx context.Context, led *ledger.Ledger, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	return led.ExportCSV(ctx, f, db.TradeFilter{})
}
