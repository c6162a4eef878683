package shockcase

import (
	"encoding/json"
	"fmt"
)

// Sealer encrypts section payloads at rest. *phi.Encryptor satisfies it.
type Sealer interface {
	EncryptBytes(data []byte) ([]byte, error)
	DecryptBytes(data []byte) ([]byte, error)
}

// sectionCodec turns Sections into the bytes stored by the SQL
// repositories. A nil sealer stores plain JSON.
type sectionCodec struct {
	sealer Sealer
}

func (c sectionCodec) encode(s Sections) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode sections: %w", err)
	}
	if c.sealer == nil {
		return b, nil
	}
	sealed, err := c.sealer.EncryptBytes(b)
	if err != nil {
		return nil, fmt.Errorf("seal sections: %w", err)
	}
	return sealed, nil
}

func (c sectionCodec) decode(b []byte) (Sections, error) {
	var s Sections
	if c.sealer != nil {
		opened, err := c.sealer.DecryptBytes(b)
		if err != nil {
			return s, fmt.Errorf("open sections: %w", err)
		}
		b = opened
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode sections: %w", err)
	}
	return s, nil
}
