package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var memdbSeq atomic.Int64

const schema = `
CREATE TABLE entitlements (
	subject TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'trial',
	billing_customer_ref TEXT,
	billing_subscription_ref TEXT,
	subscription_ref_set_at DATETIME,
	device_limit INTEGER NOT NULL DEFAULT 1,
	last_applied_event_id TEXT,
	version BIGINT NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE devices (
	id BIGINT PRIMARY KEY,
	subject TEXT NOT NULL,
	device_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT 1,
	activated_at DATETIME NOT NULL,
	last_validated_at DATETIME,
	deactivated_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (subject, device_id)
);
CREATE TABLE billing_events (
	id BIGINT PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	subject TEXT,
	customer_ref TEXT,
	subscription_ref TEXT,
	outcome TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	received_at DATETIME NOT NULL,
	processed_at DATETIME,
	UNIQUE (provider, provider_event_id)
);
CREATE TABLE subscription_terminations (
	subscription_ref TEXT PRIMARY KEY,
	provider_event_id TEXT NOT NULL,
	terminated_at DATETIME NOT NULL
);
`

// OpenDB returns an isolated in-memory sqlite database with the licensing
// schema. The pool is pinned to one connection so concurrent tests exercise
// application-level serialization instead of sqlite lock errors.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), memdbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return conn
}
