package core

import "debvault/pkg/types"

// Blob 是树的叶子：一个普通文件的完整内容，或符号链接的目标字符串。
// 不保存任何元数据，所以同样的内容在任何包里都是同一个对象。
type Blob struct {
	hash types.Hash
	data []byte
}

func NewBlob(data []byte) *Blob {
	return &Blob{
		hash: CalculateBlobHash(data),
		data: data,
	}
}

func (b *Blob) Type() ObjectType { return TypeBlob }
func (b *Blob) ID() types.Hash   { return b.hash }
func (b *Blob) Bytes() []byte    { return b.data }
func (b *Blob) Size() int64      { return int64(len(b.data)) }
