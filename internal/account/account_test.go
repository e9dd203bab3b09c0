package account_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/fleetalert/internal/account"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	store := account.NewStore(path)

	acc, err := store.Load()
	require.NoError(t, err)
	assert.True(t, acc.Pointer)
	assert.True(t, acc.LateRides)
	assert.True(t, acc.Batteries)
	assert.True(t, acc.LongRides)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"username":"dana","phone":"0501234567","late_rides":false}`), 0o600))

	acc, err := account.NewStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "dana", acc.Username)
	assert.Equal(t, "dana", acc.PointerUser)
	assert.False(t, acc.LateRides)
	assert.True(t, acc.LongRides)
}

func TestLoadNormalizesInconsistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"username":"a","pointer":false,"batteries":true,"long_rides":false}`), 0o600))

	acc, err := account.NewStore(path).Load()
	require.NoError(t, err)
	assert.True(t, acc.Pointer)
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))

	store := account.NewStore(path)
	_, err := store.Load()
	require.Error(t, err)

	// 退出时写回默认值，原文件内容保留在备份中
	require.NoError(t, store.Save())
	backup, err := os.ReadFile(store.BackupPath())
	require.NoError(t, err)
	assert.Equal(t, "{", string(backup))
	assert.Equal(t, path+".bak", store.BackupPath())
}

func TestUpdatePersistsAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	store := account.NewStore(path)
	_, err := store.Load()
	require.NoError(t, err)

	acc, err := store.Update(func(a *account.Account) {
		a.Phone = "0529999999"
		a.Pointer = false
		a.LongRides = true
	})
	require.NoError(t, err)
	assert.True(t, acc.Pointer)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "0529999999", onDisk["phone"])
	assert.Equal(t, true, onDisk["pointer"])
	assert.Equal(t, store.Get(), acc)
}

func TestPointerMayBeDisabledWhenDependentsOff(t *testing.T) {
	a := account.Account{Username: "x", Pointer: false}
	a.Normalize()
	assert.False(t, a.Pointer)
	assert.False(t, a.NeedsSetup())
}
