package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONList stores attachments in a jsonb column.
type JSONList []Attachment

// Value implements driver.Valuer.
func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Attachment(l))
}

// Scan implements sql.Scanner.
func (l *JSONList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = JSONList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan attachments: unsupported type %T", src)
	}
	var out []Attachment
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan attachments: %w", err)
	}
	*l = out
	return nil
}
