package commands

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"audit-ledger/internal/audit"
	"audit-ledger/internal/auth"
	"audit-ledger/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	t.Setenv("APP_ENV", "dev")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("AUDIT_KEY", "cli-key")
	t.Setenv("REDIS_HOST", "")
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRoot()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestLedgerCommands_EndToEnd(t *testing.T) {
	path := setupEnv(t)

	out, err := run(t, "head")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger is empty")

	out, err = run(t, "record-deletion", "--actor", "retention-job", "--resource", "client_records", "--id", "c-1", "--phi")
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded deletion as sequence 1")
	_, err = run(t, "record-deletion", "--actor", "retention-job", "--resource", "client_records", "--id", "c-2")
	require.NoError(t, err)

	out, err = run(t, "head")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "2 "), out)

	out, err = run(t, "list", "--json", "--asc")
	require.NoError(t, err)
	var recs []audit.AuditLogRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, audit.ActionDataDeletion, recs[0].Action)
	assert.Equal(t, recs[0].IntegrityHash, recs[1].PreviousLogHash)

	out, err = run(t, "list", "--user", "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "No audit records found.")

	out, err = run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Chain is intact")

	// Baselines are in memory without Redis, so rebuild replays history.
	out, err = run(t, "baseline", "rebuild", "retention-job")
	require.NoError(t, err)
	assert.Contains(t, out, `"event_count": 2`)

	_, err = run(t, "baseline", "get", "someone-else")
	assert.Error(t, err)

	// Tamper with record 1 behind the ledger's back.
	s, err := audit.OpenSQLite(path)
	require.NoError(t, err)
	for _, stmt := range []string{
		`DROP TRIGGER audit_log_records_no_update`,
		`UPDATE audit_log_records SET resource_id = 'c-999' WHERE sequence_number = 1`,
	} {
		_, err := s.DB().Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	out, err = run(t, "verify")
	require.ErrorIs(t, err, errChainBroken)
	assert.Contains(t, out, "Chain broken at sequence 1")
}

func TestListCommand_RejectsUnknownFilters(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "list", "--event-type", "party")
	assert.Error(t, err)
	_, err = run(t, "list", "--since", "yesterday")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--user", "notes-service", "--role", "service")
	require.NoError(t, err)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "cli-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)
	claims, err := m.Verify(strings.TrimSpace(out), auth.TokenTypeAccess, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "notes-service", claims.UserID)
	assert.Equal(t, "service", claims.Role)

	_, err = run(t, "token", "--user", "x", "--role", "root")
	assert.Error(t, err)
}
