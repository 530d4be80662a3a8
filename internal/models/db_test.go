package models

import (
	"testing"

	"github.com/payment-orchestrator/internal/config"
)

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenDB(config.DatabaseConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("unknown driver should be rejected")
	}
}

func TestOpenDBAppliesPoolAndMigrates(t *testing.T) {
	db, err := OpenDB(config.DatabaseConfig{
		DSN:      "file:models_open_test?mode=memory&cache=shared",
		LogLevel: "silent",
		Pool:     config.DatabasePoolConfig{MaxOpenConns: 1, MaxIdleConns: 1},
	})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("max open conns want 1 got %d", got)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	for _, model := range AllModels() {
		if !db.Migrator().HasTable(model) {
			t.Fatalf("table for %T missing", model)
		}
	}
}
