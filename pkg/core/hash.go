package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"debvault/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// 编码选项：同一棵树必须永远得到同一串字节，否则 ContentRef 就不稳定
var encOptions = cbor.EncOptions{
	// Map Key 按 Canonical 规则排序
	Sort: cbor.SortCanonical,

	// 浮点数固定 64 位
	ShortestFloat: cbor.ShortestFloatNone,

	// 树对象里不应该出现时间，万一出现也只允许 Unix 整数
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 数组和 Map 必须在头部声明长度
	IndefLength: cbor.IndefLengthForbidden,

	BigIntConvert: cbor.BigIntConvertShortest,
}

var em, _ = encOptions.EncMode()

// 解码选项：拒绝一切非规范输入
var decOptions = cbor.DecOptions{
	// 单个目录的条目上限。/usr/share/doc 这种目录在大镜像里会有几千项
	MaxArrayElements: 131072,
	MaxMapPairs:      10000,
	MaxNestedLevels:  100,

	IndefLength: cbor.IndefLengthForbidden,
	DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	BignumTag:   cbor.BignumTagForbidden,
	TimeTag:     cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// CalculateHash 把结构化对象编码为规范 CBOR，并返回 (ContentRef, 字节)
func CalculateHash(v any) (types.Hash, []byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return CalculateBlobHash(data), data, nil
}

// CalculateBlobHash 计算原始字节的 Hash
func CalculateBlobHash(data []byte) types.Hash {
	sum := sha256.Sum256(data)
	return types.Hash(hex.EncodeToString(sum[:]))
}

// DecodeObject 使用严格模式解码
func DecodeObject(data []byte, v any) error {
	return dm.Unmarshal(data, v)
}

// Marshal 供其它包 (如 gRPC codec) 复用同一套规范编码
func Marshal(v any) ([]byte, error) {
	return em.Marshal(v)
}
