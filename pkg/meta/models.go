package meta

import (
	"time"

	"gorm.io/datatypes"
)

// Models 返回需要迁移的全部表
func Models() []any {
	return []any{&Ref{}, &TaskRecord{}}
}

// Ref 是一个具名引用，例如 "deb/pool/aa/bb/cc_foo.deb/data"
type Ref struct {
	Name string `gorm:"primaryKey;type:varchar(512)"`

	// Hash 指向当前的对象 (ContentRef)
	Hash string `gorm:"type:char(64);not null"`

	// Version 用于乐观锁 (CAS)，每次更新 +1
	Version int64 `gorm:"default:1"`

	UpdatedAt time.Time
}

// TaskRecord 是构建缓存的一条记录：identity key -> 上次成功执行的输入摘要和输出
type TaskRecord struct {
	TaskKey string `gorm:"primaryKey;type:char(64)"`

	Rule string `gorm:"index;type:varchar(100)"`
	Name string `gorm:"type:varchar(512)"` // 展示用

	// InputDigest 是上次执行时所有数据输入的摘要
	InputDigest string `gorm:"type:char(64);not null"`

	// Outputs: {"deb/pool/.../data": "<hash>", ...}
	Outputs datatypes.JSON

	// Inputs: 上次执行时的输入快照，只用于排查 "为什么重建了"
	Inputs datatypes.JSON

	DurationMs int64
	UpdatedAt  time.Time
}

func (TaskRecord) TableName() string {
	return "task_records"
}
