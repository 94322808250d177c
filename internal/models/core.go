// Package models holds column types and write helpers shared by the stores.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// JSON is a raw JSON document column. Definitions (goal conditions, funnel
// steps) are stored verbatim and decoded by their owning package.
type JSON []byte

// Scan implements sql.Scanner. SQLite may hand back TEXT as string.
func (j *JSON) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("models: cannot scan %T into JSON", value)
	}

	if !json.Valid(raw) {
		return fmt.Errorf("models: invalid JSON document")
	}
	*j = append((*j)[0:0], raw...)
	return nil
}

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// MarshalJSON implements the json.Marshaler interface
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return fmt.Errorf("JSON: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// GormDataType keeps the column as TEXT on SQLite.
func (JSON) GormDataType() string {
	return "text"
}

// PerformWrite executes a write transaction with retry logic for SQLite busy errors.
// This is a wrapper that delegates to cartridge's sqlite.PerformWrite implementation.
func PerformWrite(logger *slog.Logger, dbConn *gorm.DB, f func(tx *gorm.DB) error) error {
	return sqlite.PerformWrite(logger, dbConn, f)
}
