package db

import (
	"context"
	"time"

	"github.com/carebridge/carebridge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

// New opens the gorm handle for the configured dialect and applies pool limits.
func New(p Params) (*gorm.DB, error) {
	dialector, err := Dialect(p.Config)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if p.Config.DBMaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(p.Config.DBMaxIdleConn)
	}
	if p.Config.DBMaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(p.Config.DBMaxOpenConn)
	}
	if p.Config.DBConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(p.Config.DBConnMaxLifetime) * time.Second)
	}
	if p.Config.DBConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(p.Config.DBConnMaxIdleTime) * time.Second)
	}

	p.Log.Named("db").Info("database connected", zap.String("type", p.Config.DBType))
	return gdb, nil
}

func registerHooks(lc fx.Lifecycle, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
}

// Module wires the shared gorm handle.
var Module = fx.Module("db",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)
