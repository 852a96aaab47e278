package auth

import (
	"context"
	"testing"
)

func TestNewPostgresSessionStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresSessionStore(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestNewPostgresSessionStoreRejectsInvalidDSN(t *testing.T) {
	if _, err := NewPostgresSessionStore(context.Background(), "://not-a-dsn"); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}
