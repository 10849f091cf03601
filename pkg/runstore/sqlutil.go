package runstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
)

// Queryer is the subset of *sql.DB / *sql.Tx every repository depends on.
// Accepting this narrow interface (rather than *database.Client directly)
// is what lets repository tests run against github.com/DATA-DOG/go-sqlmock
// without a live Postgres instance.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// jsonMap round-trips a map[string]any through a JSONB column.
type jsonMap map[string]any

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(m))
}

func (m *jsonMap) Scan(src any) error {
	raw, ok := asBytes(src)
	if !ok || len(raw) == 0 {
		*m = jsonMap{}
		return nil
	}
	out := jsonMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// jsonList round-trips a []map[string]any through a JSONB column.
type jsonList []map[string]any

func (l jsonList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]map[string]any(l))
}

func (l *jsonList) Scan(src any) error {
	raw, ok := asBytes(src)
	if !ok || len(raw) == 0 {
		*l = jsonList{}
		return nil
	}
	out := jsonList{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// jsonFloatMap / jsonStringMap / jsonStringListMap mirror jsonMap for the
// typed review fields in LlmReview.
type jsonFloatMap map[string]float64

func (m jsonFloatMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]float64(m))
}

func (m *jsonFloatMap) Scan(src any) error {
	raw, ok := asBytes(src)
	if !ok || len(raw) == 0 {
		*m = jsonFloatMap{}
		return nil
	}
	out := jsonFloatMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

type jsonStringMap map[string]string

func (m jsonStringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(m))
}

func (m *jsonStringMap) Scan(src any) error {
	raw, ok := asBytes(src)
	if !ok || len(raw) == 0 {
		*m = jsonStringMap{}
		return nil
	}
	out := jsonStringMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

type jsonStringListMap map[string][]string

func (m jsonStringListMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string][]string(m))
}

func (m *jsonStringListMap) Scan(src any) error {
	raw, ok := asBytes(src)
	if !ok || len(raw) == 0 {
		*m = jsonStringListMap{}
		return nil
	}
	out := jsonStringListMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func asBytes(src any) ([]byte, bool) {
	switch v := src.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}
