// Package testutils provides common utilities for testing across the chatrelay project
package testutils

import (
	"context"
	"net"
	"os"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB creates a private in-memory SQLite database for testing
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Every new connection to :memory: is a fresh database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get SQL DB from GORM: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db
}

// BufDialer returns a dialer function for testing gRPC services
func BufDialer(listener *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
}

// NewTestListener creates an in-memory listener for a gRPC server under test
func NewTestListener(t *testing.T) *bufconn.Listener {
	t.Helper()

	listener := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() {
		_ = listener.Close() // Best effort close
	})
	return listener
}

// NewTestGRPCClient creates a test gRPC client connected to a bufconn listener
func NewTestGRPCClient(t *testing.T, listener *bufconn.Listener) *grpc.ClientConn {
	t.Helper()

	conn, err := grpc.NewClient(
		"passthrough:///bufconn",
		grpc.WithContextDialer(BufDialer(listener)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to create test gRPC client: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close() // Best effort close
	})

	return conn
}

// TempDir creates a temporary directory for testing
func TempDir(t *testing.T, prefix string) string {
	t.Helper()

	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	t.Cleanup(func() {
		_ = os.RemoveAll(dir) // Best effort cleanup
	})

	return dir
}

// SetEnv sets an environment variable for the duration of a test
func SetEnv(t *testing.T, key, value string) {
	t.Helper()

	oldValue, existed := os.LookupEnv(key)
	_ = os.Setenv(key, value) // Best effort

	t.Cleanup(func() {
		if !existed {
			_ = os.Unsetenv(key) // Best effort
		} else {
			_ = os.Setenv(key, oldValue) // Best effort
		}
	})
}

// UnsetEnv removes an environment variable for the duration of a test
func UnsetEnv(t *testing.T, key string) {
	t.Helper()

	oldValue, existed := os.LookupEnv(key)
	_ = os.Unsetenv(key) // Best effort

	t.Cleanup(func() {
		if existed {
			_ = os.Setenv(key, oldValue) // Best effort
		}
	})
}
