package checks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qmanager/internal/infra/store"
)

type fakeReader struct {
	account  store.Account
	settings store.Settings
	slots    []store.GroupSlot
}

func (f *fakeReader) GetAccount(int64) (store.Account, error) { return f.account, nil }
func (f *fakeReader) GetSettings() (store.Settings, error)    { return f.settings, nil }
func (f *fakeReader) ListEnabledGroupSlots(int64) ([]store.GroupSlot, error) {
	return f.slots, nil
}

// testEnv готовит бинарь воркера, каталог сессий и валидный аккаунт.
func testEnv(t *testing.T) (*fakeReader, *Checker) {
	t.Helper()

	dir := t.TempDir()
	workerBin := filepath.Join(dir, "telethon-worker")
	require.NoError(t, os.WriteFile(workerBin, []byte("#!/bin/sh\n"), 0o755))

	sessionsDir := filepath.Join(dir, "sessions")
	accountDir := filepath.Join(sessionsDir, "account_1")
	require.NoError(t, os.MkdirAll(accountDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(accountDir, "telethon.session"), []byte("s"), 0o600))

	reader := &fakeReader{
		account: store.Account{ID: 1, AccountName: "acc1"},
		settings: store.Settings{
			APIID:         12345,
			APIHash:       "0123456789abcdef0123456789abcdef",
			MainBotUserID: 999,
		},
		slots: []store.GroupSlot{{AccountID: 1, Slot: 0, Enabled: true, GroupID: -100, ModeratorKind: "main"}},
	}
	return reader, New(reader, workerBin, sessionsDir)
}

func codes(r Result) []string {
	var out []string
	for _, e := range r.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestAllChecksPass(t *testing.T) {
	_, checker := testEnv(t)

	result := checker.CheckAccountCanStart(1)
	assert.True(t, result.CanProceed, "errors: %+v", result.Errors)
	assert.Empty(t, result.Errors)
}

func TestMissingWorkerBinaryBlocks(t *testing.T) {
	reader, checker := testEnv(t)
	checker.workerBin = filepath.Join(t.TempDir(), "missing")
	_ = reader

	result := checker.CheckAccountCanStart(1)
	assert.False(t, result.CanProceed)
	assert.Contains(t, codes(result), "WORKER_NOT_FOUND")
}

func TestMissingSessionFileBlocks(t *testing.T) {
	_, checker := testEnv(t)
	require.NoError(t, os.Remove(filepath.Join(checker.sessionsDir, "account_1", "telethon.session")))

	result := checker.CheckAccountCanStart(1)
	assert.False(t, result.CanProceed)
	assert.Contains(t, codes(result), "SESSION_FILE_MISSING")
}

func TestBadCredentialsBlock(t *testing.T) {
	reader, checker := testEnv(t)
	reader.settings.APIID = 0
	reader.settings.APIHash = "not-a-hash"

	result := checker.CheckAccountCanStart(1)
	assert.False(t, result.CanProceed)
	assert.Contains(t, codes(result), "API_ID_INVALID")
	assert.Contains(t, codes(result), "API_HASH_INVALID")
}

func TestAccountOverridesSatisfyCredentialCheck(t *testing.T) {
	reader, checker := testEnv(t)
	reader.settings.APIID = 0
	reader.settings.APIHash = ""
	reader.account.APIIDOverride = 777
	reader.account.APIHashOverride = "ffffffffffffffffffffffffffffffff"

	result := checker.CheckAccountCanStart(1)
	assert.True(t, result.CanProceed, "errors: %+v", result.Errors)
}

func TestMissingSlotsAndBotsAreWarnings(t *testing.T) {
	reader, checker := testEnv(t)
	reader.slots = nil
	reader.settings.MainBotUserID = 0
	reader.settings.BetaBotUserID = 0

	result := checker.CheckAccountCanStart(1)
	assert.True(t, result.CanProceed, "warnings must not block")
	assert.True(t, result.HasWarnings())
	assert.Contains(t, codes(result), "NO_GROUP_SLOTS")
	assert.Contains(t, codes(result), "NO_MODERATOR_BOTS")
}

func TestSessionDirPrefersUserID(t *testing.T) {
	reader, checker := testEnv(t)
	reader.account.UserID = 424242
	userDir := filepath.Join(checker.sessionsDir, "account_424242")
	require.NoError(t, os.MkdirAll(userDir, 0o755))

	assert.Equal(t, userDir, checker.SessionDir(reader.account))
}

func TestSessionDirFallsBackToLocalID(t *testing.T) {
	reader, checker := testEnv(t)
	reader.account.UserID = 555 // каталога account_555 нет

	want := filepath.Join(checker.sessionsDir, "account_1")
	assert.Equal(t, want, checker.SessionDir(reader.account))
}

func TestIsHexHash(t *testing.T) {
	t.Parallel()

	assert.True(t, isHexHash("0123456789abcdef0123456789ABCDEF"))
	assert.False(t, isHexHash("0123456789abcdef"))
	assert.False(t, isHexHash("0123456789abcdex0123456789abcdef"))
	assert.False(t, isHexHash(""))
}
