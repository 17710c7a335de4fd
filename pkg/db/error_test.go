package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{"pg", &pgconn.PgError{Code: "23505"}, true},
		{"pg other", &pgconn.PgError{Code: "40001"}, false},
		{"sqlite", errors.New("UNIQUE constraint failed: usage_records.idempotency_key"), true},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsDuplicateKeyErr(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestDialectRejectsUnknownType(t *testing.T) {
	if _, err := Dialect(Config{Type: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	if _, err := Dialect(Config{Type: "sqlite", Name: ":memory:"}); err != nil {
		t.Fatalf("sqlite dialect: %v", err)
	}
}
