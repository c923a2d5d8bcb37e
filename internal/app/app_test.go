package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"

	"audit-ledger/internal/audit"
	"audit-ledger/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg := config.Config{
		App:    config.AppConfig{Env: "dev", Instance: "test-1", Version: "0.0.1"},
		Store:  config.StoreConfig{Backend: backend},
		Ledger: config.LedgerConfig{Key: "secret", KeyVersion: "v2", PreviousKeys: map[string]string{"v1": "old"}},
	}
	if backend == config.BackendSQLite {
		cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "audit.db")
	}
	require.NoError(t, cfg.ValidateLedger())
	return cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func failedLogin() audit.AuditEvent {
	return audit.AuditEvent{
		UserID:             "u1",
		Action:             audit.ActionLoginFailed,
		Resource:           "auth",
		IPAddress:          "10.0.0.9",
		EventType:          audit.EventTypeSecurityEvent,
		DataClassification: audit.ClassificationInternal,
		StatusCode:         401,
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNew_MemoryBackendAppendsAndCountsAlerts(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, config.BackendMemory), quietLogger())
	require.NoError(t, err)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.VerifySlots)
	assert.NoError(t, a.Health(ctx))

	rec, err := a.Ledger.RecordEvent(ctx, failedLogin())
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.KeyVersion)
	assert.Equal(t, "test-1", rec.ServerInstance)

	// Close drains the dispatcher before we read the alert counter.
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, 1.0, counterValue(t, a.Registry, "audit_alerts_total", "outcome", "sent"))
	assert.Equal(t, 1.0, counterValue(t, a.Registry, "audit_appends_total", "status", "success"))
}

func TestNew_SQLiteWithRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := testConfig(t, config.BackendSQLite)
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = port
	cfg.Alert.RedisList = "audit:alerts"

	a, err := New(ctx, cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, a.VerifySlots)

	require.NoError(t, a.Health(ctx))
	_, err = a.Ledger.RecordEvent(ctx, failedLogin())
	require.NoError(t, err)
	assert.True(t, mr.Exists("audit:baseline:u1"), "baseline should live in redis")
	require.NoError(t, a.Close(ctx))

	alerts, err := mr.List("audit:alerts")
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// Reopen the same file and check the chain survived.
	cfg.Redis.Host = ""
	b, err := New(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer b.Close(ctx)
	res, err := b.Ledger.Verify(ctx, audit.VerifyRange{})
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, 1, res.RecordsChecked)
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	_, err := OpenStore(context.Background(), config.Config{Store: config.StoreConfig{Backend: "tape"}})
	assert.Error(t, err)
}

func TestNew_FailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	cfg.Redis.Host, cfg.Redis.Port = "127.0.0.1", 1
	_, err := New(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}
