package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/domain/checks"
	"qmanager/internal/domain/worker"
	"qmanager/internal/infra/events"
	"qmanager/internal/infra/store"
)

// fakeChecker пропускает все проверки и резолвит каталог сессии в tmp.
type fakeChecker struct {
	dir    string
	result checks.Result
}

func (c *fakeChecker) CheckAccountCanStart(int64) checks.Result { return c.result }
func (c *fakeChecker) SessionDir(store.Account) string          { return c.dir }

// stubClient — минимальный клиент subprocess: успешные ответы, без событий.
type stubClient struct {
	mu        sync.Mutex
	startResp *telethon.Response
	shutdowns int
}

func (c *stubClient) Request(_ context.Context, command string, _ any) (*telethon.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if command == telethon.CommandStartUpdates && c.startResp != nil {
		return c.startResp, nil
	}
	return &telethon.Response{OK: true}, nil
}
func (c *stubClient) PollEvents() []telethon.Event { return nil }
func (c *stubClient) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
}

type rig struct {
	sup *Supervisor
	st  *store.Store
	sub *events.Subscription
}

func newRig(t *testing.T, clientFor func() worker.Client) *rig {
	t.Helper()

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	settings, err := st.GetSettings()
	require.NoError(t, err)
	settings.APIID = 12345
	settings.APIHash = "0123456789abcdef0123456789abcdef"
	settings.MainBotUserID = 999
	require.NoError(t, st.UpdateSettings(settings))

	emitter := events.NewEmitter()
	sub := emitter.Subscribe()
	checker := &fakeChecker{dir: t.TempDir(), result: checks.Success()}

	sup := New(context.Background(), st, emitter, checker,
		func(int64, string, string) (worker.Client, error) { return clientFor(), nil },
		Options{StopTimeout: 2 * time.Second, BulkInFlight: 2})
	return &rig{sup: sup, st: st, sub: sub}
}

func (r *rig) createAccount(t *testing.T, name string) int64 {
	t.Helper()
	id, err := r.st.CreateAccount(store.AccountCreate{AccountName: name})
	require.NoError(t, err)
	return id
}

// waitStatus ждёт, пока статусный тег аккаунта в хранилище станет want.
func (r *rig) waitStatus(t *testing.T, accountID int64, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		acc, err := r.st.GetAccount(accountID)
		require.NoError(t, err)
		if acc.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	acc, _ := r.st.GetAccount(accountID)
	t.Fatalf("status = %q, want %q", acc.Status, want)
}

func TestStartAccountRejectsSecondStart(t *testing.T) {
	r := newRig(t, func() worker.Client { return &stubClient{} })
	id := r.createAccount(t, "acc1")

	require.NoError(t, r.sup.StartAccount(id))
	r.waitStatus(t, id, "running")

	err := r.sup.StartAccount(id)
	assert.Error(t, err, "second start on a live worker must fail")

	assert.True(t, r.sup.IsRunning(id))
	total, running := r.sup.GetWorkerCounts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, running)

	r.sup.StopAll()
}

func TestStopAccountCleansRegistry(t *testing.T) {
	r := newRig(t, func() worker.Client { return &stubClient{} })
	id := r.createAccount(t, "acc1")

	require.NoError(t, r.sup.StartAccount(id))
	r.waitStatus(t, id, "running")

	require.NoError(t, r.sup.StopAccount(id))
	r.waitStatus(t, id, "stopped")

	assert.False(t, r.sup.IsRunning(id))
	total, _ := r.sup.GetWorkerCounts()
	assert.Equal(t, 0, total)

	// Повторный stop без воркера — no-op с нормализацией статуса.
	require.NoError(t, r.sup.StopAccount(id))
}

func TestStartFailurePersistsError(t *testing.T) {
	r := newRig(t, func() worker.Client {
		return &stubClient{startResp: &telethon.Response{OK: false, Error: "auth key revoked"}}
	})
	id := r.createAccount(t, "acc1")

	require.NoError(t, r.sup.StartAccount(id))
	r.waitStatus(t, id, "error")

	// Задача завершилась: error не перетёрт stopped, запись снята.
	deadline := time.Now().Add(2 * time.Second)
	for r.sup.IsRunning(id) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, r.sup.IsRunning(id))
	acc, err := r.st.GetAccount(id)
	require.NoError(t, err)
	assert.Equal(t, "error", acc.Status)
}

func TestStatusSequenceIsMonotonic(t *testing.T) {
	r := newRig(t, func() worker.Client { return &stubClient{} })
	id := r.createAccount(t, "acc1")

	require.NoError(t, r.sup.StartAccount(id))
	r.waitStatus(t, id, "running")
	require.NoError(t, r.sup.StopAccount(id))
	r.waitStatus(t, id, "stopped")

	var statuses []string
	drain := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-r.sub.Ch():
			if ev.Name == events.EventAccountStatus {
				statuses = append(statuses, ev.Payload.(events.AccountStatusPayload).Status)
			}
			continue
		case <-drain:
		}
		break
	}

	want := []string{"starting", "running", "stopping", "stopped"}
	require.Equal(t, want, statuses)
}

func TestStartSelectedReportsMissingAccounts(t *testing.T) {
	r := newRig(t, func() worker.Client { return &stubClient{} })
	id := r.createAccount(t, "acc1")

	reports, err := r.sup.StartSelectedWithChecks([]int64{id, 777})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byID := map[int64]BulkStartReport{}
	for _, rep := range reports {
		byID[rep.AccountID] = rep
	}
	assert.True(t, byID[id].Started)
	assert.False(t, byID[777].Started)
	require.NotEmpty(t, byID[777].Errors)
	assert.Equal(t, "ACCOUNT_NOT_FOUND", byID[777].Errors[0].Code)

	r.sup.StopAll()
}

func TestBulkStartBlockedByChecks(t *testing.T) {
	r := newRig(t, func() worker.Client { return &stubClient{} })
	id := r.createAccount(t, "acc1")

	blocked := checks.Success()
	blocked.Add(checks.Blocking("SESSION_FILE_MISSING", "Session file not found", ""))
	r.sup.checker.(*fakeChecker).result = blocked

	reports, err := r.sup.StartAllWithChecks(nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Started)
	assert.Equal(t, "SESSION_FILE_MISSING", reports[0].Errors[0].Code)
	assert.False(t, r.sup.IsRunning(id))
}

func TestStartAllFilter(t *testing.T) {
	r := newRig(t, func() worker.Client { return &stubClient{} })
	id1 := r.createAccount(t, "acc1")
	id2 := r.createAccount(t, "acc2")
	require.NoError(t, r.st.UpdateAccountStatus(id2, "running"))

	reports, err := r.sup.StartAllWithChecks(func(a store.Account) bool {
		return a.Status == "stopped" || a.Status == "error"
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, id1, reports[0].AccountID)
	assert.True(t, reports[0].Started)

	r.sup.StopAll()
}

func TestStopAllStopsEveryWorker(t *testing.T) {
	r := newRig(t, func() worker.Client { return &stubClient{} })
	ids := []int64{
		r.createAccount(t, "acc1"),
		r.createAccount(t, "acc2"),
		r.createAccount(t, "acc3"),
	}
	for _, id := range ids {
		require.NoError(t, r.sup.StartAccount(id))
		r.waitStatus(t, id, "running")
	}

	start := time.Now()
	r.sup.StopAll()
	assert.Less(t, time.Since(start), 5*time.Second)

	total, _ := r.sup.GetWorkerCounts()
	assert.Equal(t, 0, total)
	for _, id := range ids {
		r.waitStatus(t, id, "stopped")
	}
}

func TestReloadPatternsRequiresLiveWorker(t *testing.T) {
	r := newRig(t, func() worker.Client { return &stubClient{} })
	id := r.createAccount(t, "acc1")

	assert.Error(t, r.sup.ReloadPatterns(id))

	require.NoError(t, r.sup.StartAccount(id))
	r.waitStatus(t, id, "running")
	assert.NoError(t, r.sup.ReloadPatterns(id))
	r.sup.ReloadAllPatterns()

	r.sup.StopAll()
}
