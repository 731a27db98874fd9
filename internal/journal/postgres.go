package journal

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crypto-futures-trader/internal/ids"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresJournal 基于 gorm 的流水，适合多实例共享
type PostgresJournal struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewPostgres(cfg service.PostgresConfig, log *zap.Logger) (*PostgresJournal, error) {
	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("migrate trade_events: %w", err)
	}
	return &PostgresJournal{db: db, logger: log}, nil
}

// DSN 把配置拼成 postgres:// 连接串
func DSN(cfg service.PostgresConfig) string {
	host := cfg.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", host, port)}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	if cfg.DBName != "" {
		u.Path = "/" + cfg.DBName
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (j *PostgresJournal) Emit(e model.TradeEvent) {
	if err := j.Record(context.Background(), e); err != nil {
		j.logger.Error("Journal write failed",
			zap.String("symbol", e.Symbol), zap.String("interval", e.Interval),
			zap.String("context", "journal"), zap.Error(err))
	}
}

func (j *PostgresJournal) Record(ctx context.Context, e model.TradeEvent) error {
	if e.EventID == "" {
		e.EventID = ids.NewULID(e.Time)
	}
	row := toRow(e)
	return j.db.WithContext(ctx).Create(&row).Error
}

func (j *PostgresJournal) Tail(ctx context.Context, n int) ([]model.TradeEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []eventRow
	err := j.db.WithContext(ctx).
		Order("event_time DESC").Order("event_id DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.TradeEvent, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toEvent()
	}
	return out, nil
}

func (j *PostgresJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
