// internal/service/purchase/infrastructure/bolt_store.go
package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"nexus-commerce/internal/service/purchase/domain"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

var (
	linksBucket       = []byte("payment_links")
	linkByIdemBucket  = []byte("payment_links_by_idempotency_key")
	fulfillmentBucket = []byte("fulfillment_records")
)

// BoltRecordStore 是单机部署使用的嵌入式记录存储，数据以 JSON 保存
type BoltRecordStore struct {
	db *bolt.DB
}

func NewBoltRecordStore(path string) (*BoltRecordStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{linksBucket, linkByIdemBucket, fulfillmentBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bolt buckets")
	}
	return &BoltRecordStore{db: db}, nil
}

func (s *BoltRecordStore) Close() error {
	return s.db.Close()
}

func (s *BoltRecordStore) SaveLink(_ context.Context, link *domain.PaymentLink) error {
	raw, err := json.Marshal(link)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(linksBucket).Put([]byte(link.LinkID), raw); err != nil {
			return err
		}
		if link.IdempotencyKey == "" {
			return nil
		}
		return tx.Bucket(linkByIdemBucket).Put([]byte(link.IdempotencyKey), []byte(link.LinkID))
	})
}

func (s *BoltRecordStore) FindLinkByIdempotencyKey(_ context.Context, key string) (*domain.PaymentLink, error) {
	var link domain.PaymentLink
	err := s.db.View(func(tx *bolt.Tx) error {
		linkID := tx.Bucket(linkByIdemBucket).Get([]byte(key))
		if linkID == nil {
			return domain.ErrNotFound
		}
		raw := tx.Bucket(linksBucket).Get(linkID)
		if raw == nil {
			return domain.ErrNotFound
		}
		return json.Unmarshal(raw, &link)
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *BoltRecordStore) UpdateLinkStatus(_ context.Context, linkID string, status domain.LinkStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(linksBucket)
		raw := b.Get([]byte(linkID))
		if raw == nil {
			return domain.ErrNotFound
		}
		var link domain.PaymentLink
		if err := json.Unmarshal(raw, &link); err != nil {
			return err
		}
		if err := link.Advance(status, time.Now()); err != nil {
			return err
		}
		updated, err := json.Marshal(&link)
		if err != nil {
			return err
		}
		return b.Put([]byte(linkID), updated)
	})
}

func (s *BoltRecordStore) ListLinks(_ context.Context, status domain.LinkStatus, since, before time.Time) ([]*domain.PaymentLink, error) {
	var out []*domain.PaymentLink
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(linksBucket).ForEach(func(_, v []byte) error {
			var link domain.PaymentLink
			if err := json.Unmarshal(v, &link); err != nil {
				return err
			}
			if link.Status == status && !link.UpdatedAt.Before(since) && link.UpdatedAt.Before(before) {
				out = append(out, &link)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltRecordStore) CreateRecordIfAbsent(_ context.Context, rec *domain.FulfillmentRecord) (*domain.FulfillmentRecord, error) {
	var stored domain.FulfillmentRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(fulfillmentBucket)
		if raw := b.Get([]byte(rec.OrderReference)); raw != nil {
			return json.Unmarshal(raw, &stored)
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		stored = *rec
		return b.Put([]byte(rec.OrderReference), raw)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *BoltRecordStore) SaveRecord(_ context.Context, rec *domain.FulfillmentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fulfillmentBucket).Put([]byte(rec.OrderReference), raw)
	})
}

func (s *BoltRecordStore) FindRecord(_ context.Context, orderReference string) (*domain.FulfillmentRecord, error) {
	var rec domain.FulfillmentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(fulfillmentBucket).Get([]byte(orderReference))
		if raw == nil {
			return domain.ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltRecordStore) ListIncomplete(_ context.Context, before time.Time) ([]*domain.FulfillmentRecord, error) {
	var out []*domain.FulfillmentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(fulfillmentBucket).ForEach(func(_, v []byte) error {
			var rec domain.FulfillmentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.IsComplete() && rec.UpdatedAt.Before(before) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
