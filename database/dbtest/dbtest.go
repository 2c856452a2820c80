// Package dbtest holds sqlmock helpers shared by the service tests.
package dbtest

import (
	"database/sql"
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

// Decimal matches a NUMERIC argument by value, so "25" matches "25.00".
type Decimal string

func (d Decimal) Match(v driver.Value) bool {
	want, err := decimal.NewFromString(string(d))
	if err != nil {
		return false
	}
	var got decimal.Decimal
	switch x := v.(type) {
	case string:
		got, err = decimal.NewFromString(x)
	case []byte:
		got, err = decimal.NewFromString(string(x))
	case float64:
		got = decimal.NewFromFloat(x)
	case int64:
		got = decimal.NewFromInt(x)
	default:
		return false
	}
	return err == nil && got.Equal(want)
}

// New returns a sqlmock-backed *sql.DB that is closed when the test ends.
func New(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func ExpectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
