package database

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"
)

// setupTestDB points DB at a fresh in-memory database for the test.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := Open(sqlite.Open(":memory:"), logger.Silent)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	// Every pooled connection to :memory: would get its own empty database.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	prev := DB
	DB = db
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		DB = prev
	})
}

func TestInitCreatesFileAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")
	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		Close()
		DB = nil
	}()

	for _, table := range []string{"users", "connections", "activity_logs", "settings"} {
		if !DB.Migrator().HasTable(table) {
			t.Errorf("expected table %s", table)
		}
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("token_key"); err == nil {
		t.Fatal("expected error for missing setting")
	}
	if err := SetSetting("token_key", "abc"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting("token_key", "def"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	got, err := GetSetting("token_key")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "def" {
		t.Errorf("GetSetting = %q, want %q", got, "def")
	}
}

func TestUserHelpers(t *testing.T) {
	setupTestDB(t)

	u := &User{Username: "alice", PasswordHash: "hash"}
	if err := CreateUser(u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected generated user ID")
	}

	byName, err := GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if byName.ID != u.ID {
		t.Errorf("ID = %q, want %q", byName.ID, u.ID)
	}
	if !byName.IsActive {
		t.Error("expected new user to be active")
	}

	if err := UpdateUserPassword(u.ID, "newhash"); err != nil {
		t.Fatalf("UpdateUserPassword: %v", err)
	}
	byID, err := GetUserByID(u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if byID.PasswordHash != "newhash" {
		t.Errorf("PasswordHash = %q, want newhash", byID.PasswordHash)
	}

	if err := CreateUser(&User{Username: "alice", PasswordHash: "x"}); err == nil {
		t.Error("expected unique constraint violation for duplicate username")
	}
}

func TestConnectionDefaults(t *testing.T) {
	setupTestDB(t)

	c := Connection{ID: "demo-1", UserID: "u1", Name: "demo", Host: "example.org", Username: "root"}
	if err := DB.Create(&c).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}
	var loaded Connection
	if err := DB.Where("id = ?", "demo-1").First(&loaded).Error; err != nil {
		t.Fatalf("load connection: %v", err)
	}
	if loaded.Port != 22 {
		t.Errorf("Port default = %d, want 22", loaded.Port)
	}
	if loaded.AuthMethod != "password" {
		t.Errorf("AuthMethod default = %q, want password", loaded.AuthMethod)
	}
}
