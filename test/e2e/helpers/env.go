package helpers

import (
	"testing"
	"time"

	"raven/test/helpers"
)

// Env is a full end-to-end environment: one database tree with an LMTP
// server writing into it and an IMAP server reading from it, all on
// loopback listeners.
type Env struct {
	T        *testing.T
	DB       *helpers.TestDBManager
	IMAP     *helpers.TestIMAPServer
	LMTPAddr string
	LMTPStop func()
}

// Start brings up the servers. The database is created on first Start and
// reused by later ones, so Stop/Start models a server restart over
// surviving data.
func (e *Env) Start(t *testing.T) {
	t.Helper()
	e.T = t

	if e.DB == nil {
		e.DB = helpers.SetupTestDatabase(t)
	}

	addr, _, cleanup := helpers.StartTestLMTPServer(t, e.DB.DBManager)
	e.LMTPAddr = addr
	e.LMTPStop = cleanup

	e.IMAP = helpers.StartTestIMAPServer(t, e.DB.DBManager)
	t.Log("E2E environment started: LMTP=" + e.LMTPAddr + ", IMAP=" + e.IMAP.Address)
}

// Stop stops the servers; the database stays until Teardown.
func (e *Env) Stop() {
	if e.IMAP != nil {
		e.IMAP.Stop(e.T)
	}
	if e.LMTPStop != nil {
		e.LMTPStop()
	}
}

// Teardown removes the database files.
func (e *Env) Teardown() {
	if e.DB != nil {
		helpers.TeardownTestDatabase(e.T, e.DB)
		e.DB = nil
	}
}

// WaitDelivery gives the delivery pipeline a moment to commit.
func (e *Env) WaitDelivery() { time.Sleep(300 * time.Millisecond) }
