package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"mirror-trader/order"
)

const (
	batchBucketName = "batches"
	indexBucketName = "batch_index"
)

// ErrNotFound 批次不存在
var ErrNotFound = errors.New("batch not found")

// Ledger 批次台账（bbolt）。键为 8 字节大端纳秒时间戳 + batchID，游标顺序即时间顺序。
type Ledger struct {
	db         *bolt.DB
	maxRecords int
}

// OpenLedger 打开或创建台账。maxRecords<=0 表示不裁剪。
func OpenLedger(path string, maxRecords int) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir ledger path: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{batchBucketName, indexBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Ledger{db: db, maxRecords: maxRecords}, nil
}

// Close 关闭台账
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func recordKey(at time.Time, batchID string) []byte {
	key := make([]byte, 8, 8+len(batchID))
	binary.BigEndian.PutUint64(key, uint64(at.UnixNano()))
	return append(key, batchID...)
}

// Put 写入批次记录；同一 batchID 重复写入会覆盖旧记录。
func (l *Ledger) Put(rec order.BatchRecord) error {
	if rec.BatchID == "" {
		return fmt.Errorf("ledger: batch id is required")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", rec.BatchID, err)
	}
	key := recordKey(rec.SubmittedAt, rec.BatchID)

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(batchBucketName))
		idx := tx.Bucket([]byte(indexBucketName))
		if old := idx.Get([]byte(rec.BatchID)); old != nil {
			if err := b.Delete(old); err != nil {
				return err
			}
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		if err := idx.Put([]byte(rec.BatchID), key); err != nil {
			return err
		}
		return l.pruneLocked(b, idx)
	})
}

// pruneLocked 删除超出 maxRecords 的最早记录
func (l *Ledger) pruneLocked(b, idx *bolt.Bucket) error {
	if l.maxRecords <= 0 {
		return nil
	}
	excess := countKeys(b) - l.maxRecords
	if excess <= 0 {
		return nil
	}
	c := b.Cursor()
	var stale [][]byte
	for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
		if err := idx.Delete(k[8:]); err != nil {
			return err
		}
	}
	return nil
}

// Get 按 batchID 查询
func (l *Ledger) Get(batchID string) (order.BatchRecord, error) {
	var rec order.BatchRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(indexBucketName)).Get([]byte(batchID))
		if key == nil {
			return ErrNotFound
		}
		data := tx.Bucket([]byte(batchBucketName)).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Recent 返回最近的 limit 条记录（新的在前）。损坏的记录跳过。
func (l *Ledger) Recent(limit int) ([]order.BatchRecord, error) {
	results := make([]order.BatchRecord, 0, max(limit, 0))
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(batchBucketName)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec order.BatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			results = append(results, rec)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
		return nil
	})
	return results, err
}

// Count 台账中的记录数
func (l *Ledger) Count() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket([]byte(batchBucketName)))
		return nil
	})
	return n, err
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
