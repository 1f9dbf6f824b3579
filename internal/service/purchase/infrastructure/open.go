package infrastructure

import (
	"os"
	"path/filepath"

	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/service/purchase/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// OpenRecordStore 按配置打开记录存储。使用 MySQL 时同时返回连接池，供返佣目录等共享。
func OpenRecordStore(cfg *bootstrap.Config) (domain.RecordStore, *gorm.DB, func(), error) {
	switch cfg.Service.RecordStore {
	case "gorm", "mysql":
		db, err := OpenMySQL(cfg.Infra.MySQL)
		if err != nil {
			return nil, nil, nil, err
		}
		store := NewGormRecordStore(db)
		if err := store.AutoMigrate(); err != nil {
			return nil, nil, nil, errors.Wrap(err, "migrate record store")
		}
		return store, db, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}, nil
	default:
		path := cfg.Infra.Bolt.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, nil, errors.Wrapf(err, "create bolt directory %s", dir)
			}
		}
		store, err := NewBoltRecordStore(path)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() { _ = store.Close() }, nil
	}
}
