package db

import (
	"database/sql"
	"errors"
	"strings"
)

// Directory queries. All of these run against the shared database.

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func CreateDomain(db *sql.DB, domain string) (int64, error) {
	res, err := db.Exec("INSERT INTO domains (domain, enabled) VALUES (?, TRUE)", domain)
	if isUniqueViolation(err) {
		return 0, errors.New("domain already exists")
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetDomainByName(db *sql.DB, domain string) (int64, error) {
	var id int64
	err := db.QueryRow("SELECT id FROM domains WHERE domain = ? AND enabled = TRUE", domain).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.New("domain not found")
	}
	return id, err
}

func GetOrCreateDomain(db *sql.DB, domain string) (int64, error) {
	if id, err := GetDomainByName(db, domain); err == nil {
		return id, nil
	}
	return CreateDomain(db, domain)
}

// CreateUser provisions an account that cannot log in until its password
// is initialized out of band. Automated accounts go through
// GetOrCreateUserInitialized instead.
func CreateUser(db *sql.DB, username string, domainID int64) (int64, error) {
	res, err := db.Exec(
		"INSERT INTO users (username, domain_id, enabled, password_initialized) VALUES (?, ?, TRUE, FALSE)",
		username, domainID)
	if isUniqueViolation(err) {
		return 0, errors.New("user already exists")
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetUserByUsername(db *sql.DB, username string, domainID int64) (int64, error) {
	var id int64
	err := db.QueryRow(
		"SELECT id FROM users WHERE username = ? AND domain_id = ? AND enabled = TRUE",
		username, domainID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.New("user not found")
	}
	return id, err
}

func GetOrCreateUser(db *sql.DB, username string, domainID int64) (int64, error) {
	if id, err := GetUserByUsername(db, username, domainID); err == nil {
		return id, nil
	}
	return CreateUser(db, username, domainID)
}

// GetOrCreateUserInitialized resolves the user, creating it with
// password_initialized = TRUE if absent. Loses the insert race gracefully:
// a concurrent creator just means the follow-up select succeeds.
func GetOrCreateUserInitialized(db *sql.DB, username string, domainID int64) (int64, error) {
	if id, err := GetUserByUsername(db, username, domainID); err == nil {
		return id, nil
	}
	res, err := db.Exec(
		"INSERT INTO users (username, domain_id, enabled, password_initialized) VALUES (?, ?, TRUE, TRUE)",
		username, domainID)
	if isUniqueViolation(err) {
		return GetUserByUsername(db, username, domainID)
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Role mailboxes: shared addresses (support@, sales@) whose mail lives in
// a dedicated mailstore, accessible to whichever users hold an active
// assignment.

func CreateRoleMailbox(db *sql.DB, email string, domainID int64, description string) (int64, error) {
	res, err := db.Exec(
		"INSERT INTO role_mailboxes (email, domain_id, description, enabled) VALUES (?, ?, ?, TRUE)",
		email, domainID, description)
	if isUniqueViolation(err) {
		return 0, errors.New("role mailbox already exists")
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetRoleMailboxByEmail(db *sql.DB, email string) (id, domainID int64, err error) {
	err = db.QueryRow(
		"SELECT id, domain_id FROM role_mailboxes WHERE email = ? AND enabled = TRUE",
		email).Scan(&id, &domainID)
	if err == sql.ErrNoRows {
		return 0, 0, errors.New("role mailbox not found")
	}
	return id, domainID, err
}

func GetRoleMailboxByID(db *sql.DB, roleMailboxID int64) (email string, domainID int64, err error) {
	err = db.QueryRow(
		"SELECT email, domain_id FROM role_mailboxes WHERE id = ? AND enabled = TRUE",
		roleMailboxID).Scan(&email, &domainID)
	if err == sql.ErrNoRows {
		return "", 0, errors.New("role mailbox not found")
	}
	return email, domainID, err
}

// AssignUserToRoleMailbox makes userID the active assignee, displacing
// any previous one.
func AssignUserToRoleMailbox(db *sql.DB, userID, roleMailboxID, assignedBy int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		"UPDATE user_role_assignments SET is_active = FALSE WHERE role_mailbox_id = ? AND is_active = TRUE",
		roleMailboxID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO user_role_assignments (user_id, role_mailbox_id, assigned_by, is_active)
		VALUES (?, ?, ?, TRUE)
		ON CONFLICT(user_id, role_mailbox_id)
		DO UPDATE SET is_active = TRUE, assigned_at = CURRENT_TIMESTAMP, assigned_by = ?
	`, userID, roleMailboxID, assignedBy, assignedBy); err != nil {
		return err
	}
	return tx.Commit()
}

// GetUserRoleAssignments lists the role mailbox IDs userID may act for.
func GetUserRoleAssignments(db *sql.DB, userID int64) ([]int64, error) {
	rows, err := db.Query(
		"SELECT role_mailbox_id FROM user_role_assignments WHERE user_id = ? AND is_active = TRUE",
		userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
