// pkg/types/common.go
package types

import "encoding/hex"

// Hash 代表对象的唯一标识符 (SHA256 Hex String)，即 ContentRef
// 这是一个“值对象”，应当是不可变的。
type Hash string

func (h Hash) String() string { return string(h) }

// 验证 Hash 合法性
func (h Hash) IsZero() bool { return h == "" }
func (h Hash) IsValid() bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

// Short 返回用于展示的短哈希
func (h Hash) Short() string {
	if len(h) < 8 {
		return string(h)
	}
	return string(h[:8])
}

// LinearHash 是整个文件的线性 SHA256 (例如 .deb 包的校验和)
// 它和 Merkle Tree 的 Hash 不是一回事，不能混用。
type LinearHash string

func (h LinearHash) String() string { return string(h) }
func (h LinearHash) IsValid() bool  { return Hash(h).IsValid() }

// 辅助转换 (显式转换，提醒开发者注意)
func (h LinearHash) ToHash() Hash { return Hash(h) }

type HashPrefix string

func (p HashPrefix) String() string { return string(p) }
