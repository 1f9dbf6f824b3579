package infrastructure

import (
	"time"

	"nexus-commerce/internal/pkg/bootstrap"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// MySQLDSN 由配置生成 DSN，时间字段按 UTC 解析
func MySQLDSN(cfg bootstrap.MySQLConfig) string {
	dsn := mysqldriver.NewConfig()
	dsn.Net = "tcp"
	dsn.Addr = cfg.Addr
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.DBName = cfg.DBName
	dsn.ParseTime = true
	// UPDATE 返回匹配行数而不是变更行数
	dsn.ClientFoundRows = true
	dsn.Loc = time.UTC
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	return dsn.FormatDSN()
}

// OpenMySQL 打开连接池
func OpenMySQL(cfg bootstrap.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(MySQLDSN(cfg)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect mysql %s", cfg.Addr)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
