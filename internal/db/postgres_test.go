package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "url wins",
			cfg:  Config{URL: "postgres://u:p@db:5432/stencil", Host: "ignored"},
			want: "postgres://u:p@db:5432/stencil",
		},
		{
			name: "with password",
			cfg:  Config{Host: "localhost", Port: 5432, User: "stencil", Password: "pw", Database: "stencil", SSLMode: "disable"},
			want: "host=localhost port=5432 user=stencil password=pw dbname=stencil sslmode=disable",
		},
		{
			name: "without password",
			cfg:  Config{Host: "localhost", Port: 5432, User: "stencil", Database: "stencil", SSLMode: "disable"},
			want: "host=localhost port=5432 user=stencil dbname=stencil sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505"}
	if !isUniqueViolation(fmt.Errorf("insert: %w", dup)) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("plain")) {
		t.Error("plain error is not a unique violation")
	}
}
