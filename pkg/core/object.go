package core

import "debvault/pkg/types"

// ObjectType 定义了存储里的对象类型
type ObjectType string

const (
	TypeBlob ObjectType = "blob" // 文件内容或符号链接目标
	TypeTree ObjectType = "tree" // 目录
)

// Object 是所有内容寻址对象的通用接口
type Object interface {
	Type() ObjectType

	// ID 即 ContentRef：sha256(Bytes())
	ID() types.Hash

	// Bytes 返回落盘的原始字节
	Bytes() []byte
}
