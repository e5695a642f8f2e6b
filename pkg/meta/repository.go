package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"debvault/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRefNotFound      = errors.New("reference not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 引用管理 (Refs)
// -----------------------------------------------------------------------------

func (r *Repository) GetRef(ctx context.Context, name string) (*Ref, error) {
	var ref Ref
	err := r.db.GetConn().WithContext(ctx).
		Where("name = ?", name).
		First(&ref).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// UpdateRef 原子更新引用 (CAS)
// oldVersion 为 0 表示创建；否则只有当数据库中的版本等于 oldVersion 时才更新
func (r *Repository) UpdateRef(ctx context.Context, name string, newHash types.Hash, oldVersion int64) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if oldVersion == 0 {
			ref := Ref{
				Name:    name,
				Hash:    string(newHash),
				Version: 1,
			}
			if err := tx.Create(&ref).Error; err != nil {
				// PG 与 SQLite 的唯一约束错误不一样
				if errors.Is(err, gorm.ErrDuplicatedKey) ||
					strings.Contains(err.Error(), "UNIQUE constraint failed") ||
					strings.Contains(err.Error(), "duplicate key") {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create ref: %w", err)
			}
			return nil
		}

		// UPDATE refs SET hash = ?, version = version + 1 WHERE name = ? AND version = ?
		result := tx.Model(&Ref{}).
			Where("name = ? AND version = ?", name, oldVersion).
			Updates(map[string]any{
				"hash":       string(newHash),
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

// ListRefs 按名字前缀列出引用，结果按名字排序
func (r *Repository) ListRefs(ctx context.Context, prefix string) ([]Ref, error) {
	var refs []Ref
	q := r.db.GetConn().WithContext(ctx).Order("name ASC")
	if prefix != "" {
		q = q.Where("name LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	}
	if err := q.Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	return refs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// -----------------------------------------------------------------------------
// 2. 构建缓存 (Task Records)
// -----------------------------------------------------------------------------

// GetTaskRecord 未命中时返回 (nil, nil)
func (r *Repository) GetTaskRecord(ctx context.Context, key string) (*TaskRecord, error) {
	var rec TaskRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("task_key = ?", key).
		First(&rec).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveTaskRecord 写入或覆盖一条记录 (最后一次成功执行为准)
func (r *Repository) SaveTaskRecord(ctx context.Context, rec *TaskRecord) error {
	rec.UpdatedAt = time.Now()
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_key"}},
			UpdateAll: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save task record: %w", err)
	}
	return nil
}

// CountTaskRecords 按规则统计记录数 (dv status 使用)
func (r *Repository) CountTaskRecords(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Rule  string
		Count int64
	}
	err := r.db.GetConn().WithContext(ctx).
		Model(&TaskRecord{}).
		Select("rule, count(*) as count").
		Group("rule").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Rule] = row.Count
	}
	return out, nil
}

// EncodeHashes 把输出表编码成 JSON 列
func EncodeHashes(m map[string]types.Hash) (datatypes.JSON, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

// DecodeHashes 是 EncodeHashes 的逆操作
func DecodeHashes(data datatypes.JSON) (map[string]types.Hash, error) {
	out := map[string]types.Hash{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode hashes: %w", err)
	}
	return out, nil
}
