package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DBManager hands out database connections for the sharded layout: one
// shared directory database plus one mailstore file per user and per role
// mailbox, all under basePath. Handles are cached for the manager's
// lifetime; Close tears them all down.
type DBManager struct {
	basePath string
	sharedDB *sql.DB

	mu      sync.RWMutex
	userDBs map[int64]*sql.DB
	roleDBs map[int64]*sql.DB
}

func NewDBManager(basePath string) (*DBManager, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	shared, err := openSQLite(filepath.Join(basePath, "shared.db"))
	if err != nil {
		return nil, fmt.Errorf("open shared database: %w", err)
	}
	if err := applySchema(shared, directorySchema); err != nil {
		_ = shared.Close()
		return nil, err
	}

	return &DBManager{
		basePath: basePath,
		sharedDB: shared,
		userDBs:  make(map[int64]*sql.DB),
		roleDBs:  make(map[int64]*sql.DB),
	}, nil
}

// GetSharedDB returns the directory database.
func (m *DBManager) GetSharedDB() *sql.DB {
	return m.sharedDB
}

// GetUserDB returns userID's mailstore, creating and provisioning the
// file on first access.
func (m *DBManager) GetUserDB(userID int64) (*sql.DB, error) {
	return m.mailstore(m.userDBs, userID, fmt.Sprintf("user_db_%d.db", userID), userID)
}

// GetRoleMailboxDB returns the mailstore shared by everyone assigned to
// roleMailboxID. Rows inside a role mailstore carry owner user_id 0.
func (m *DBManager) GetRoleMailboxDB(roleMailboxID int64) (*sql.DB, error) {
	return m.mailstore(m.roleDBs, roleMailboxID, fmt.Sprintf("role_db_%d.db", roleMailboxID), 0)
}

func (m *DBManager) mailstore(cache map[int64]*sql.DB, key int64, file string, ownerID int64) (*sql.DB, error) {
	m.mu.RLock()
	db, ok := cache[key]
	m.mu.RUnlock()
	if ok {
		return db, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := cache[key]; ok {
		return db, nil
	}

	path := filepath.Join(m.basePath, file)
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open mailstore %s: %w", file, err)
	}
	if err := applySchema(db, mailstoreSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if fresh {
		if err := createDefaultMailboxes(db, ownerID); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	cache[key] = db
	return db, nil
}

// Close closes the shared handle and every cached mailstore.
func (m *DBManager) Close() error {
	var lastErr error
	if m.sharedDB != nil {
		if err := m.sharedDB.Close(); err != nil {
			lastErr = err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, db := range m.userDBs {
		if err := db.Close(); err != nil {
			lastErr = err
		}
		delete(m.userDBs, key)
	}
	for key, db := range m.roleDBs {
		if err := db.Close(); err != nil {
			lastErr = err
		}
		delete(m.roleDBs, key)
	}
	return lastErr
}
