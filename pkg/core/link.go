package core

import (
	"encoding/hex"
	"fmt"

	"debvault/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// Link 是树里指向子对象的边。
// CBOR 形式为 Tag 42，内容是 0x00 前缀加上原始哈希字节。
type Link struct {
	Hash types.Hash
}

const linkTagNumber = 42

func NewLink(hash types.Hash) Link {
	return Link{Hash: hash}
}

func (l Link) MarshalCBOR() ([]byte, error) {
	raw, err := hex.DecodeString(string(l.Hash))
	if err != nil {
		return nil, fmt.Errorf("invalid hash format in link: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid hash length in link: %d bytes", len(raw))
	}

	content := make([]byte, 0, len(raw)+1)
	content = append(content, 0x00)
	content = append(content, raw...)

	return em.Marshal(cbor.Tag{
		Number:  linkTagNumber,
		Content: content,
	})
}

func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := dm.Unmarshal(data, &tag); err != nil {
		return err
	}

	if tag.Number != linkTagNumber {
		return fmt.Errorf("expected tag 42 for Link, got %d", tag.Number)
	}

	content, ok := tag.Content.([]byte)
	if !ok {
		return fmt.Errorf("link content must be byte string")
	}
	if len(content) < 1 {
		return fmt.Errorf("invalid link: empty content")
	}
	if content[0] != 0x00 {
		return fmt.Errorf("invalid link: missing 0x00 multibase prefix")
	}

	l.Hash = types.Hash(hex.EncodeToString(content[1:]))
	return nil
}
