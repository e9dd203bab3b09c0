package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/bridge"
	"github.com/langchou/fleetalert/internal/browser"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/pointer"
	"github.com/langchou/fleetalert/internal/state"
	"github.com/langchou/fleetalert/internal/worker"
)

func lateOnly(a *account.Account) {
	a.Username = "dana"
	a.Phone = "0500000000"
	a.Pointer = false
	a.LateRides = true
	a.Batteries = false
	a.LongRides = false
}

func startDataWorker(t *testing.T, b *fakeBrowser, flow *pointer.Flow, store *account.Store, gui *fakeGUI) (*worker.DataWorker, *state.Machine) {
	t.Helper()
	machine := state.NewMachine("data", state.KindData, nil)
	w := worker.NewDataWorker(testConfig(), b, flow, store, gui, machine, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w, machine
}

func TestPlanTabs(t *testing.T) {
	targets := map[string]string{
		worker.PageBlank:   "about:blank",
		worker.PagePointer: "https://fleet.pointer4u.co.il/login",
		worker.PageGotoBO:  "https://goto.example",
		worker.PageGotoCRM: "https://goto.crm.example",
	}
	tabs := []browser.Tab{
		{ID: "1", URL: "https://fleet.pointer4u.co.il/login"},
		{ID: "2", URL: "about:blank"},
		{ID: "3", URL: "about:blank"},
		{ID: "4", URL: "https://login.microsoftonline.com/common"},
		{ID: "5", URL: "https://goto.example/index.html#/orders"},
		{ID: "6", URL: "https://news.example"},
		{ID: "7", URL: "https://fleet.pointer4u.co.il/other"},
	}

	plan := worker.PlanTabs(tabs, targets)

	assert.Equal(t, map[string]string{
		worker.PagePointer: "1",
		worker.PageBlank:   "2",
		worker.PageGotoBO:  "5",
	}, plan.Adopt)
	assert.ElementsMatch(t, []string{"3", "4", "7"}, plan.Close)
	assert.Equal(t, map[string]string{worker.PageGotoCRM: "https://goto.crm.example"}, plan.Create)
}

func TestDataWorkerTokenRoundTrip(t *testing.T) {
	b := newFakeBrowser()
	b.tokenFn = func(ctx context.Context, name string) (string, error) {
		if name == worker.PageGotoBO {
			return "goto-token", nil
		}
		return "autotel-token", nil
	}
	gui := newFakeGUI()
	w, machine := startDataWorker(t, b, nil, newAccountStore(t, lateOnly), gui)

	waitClosed(t, w.Ready())
	assert.Equal(t, state.StateReady, machine.CurrentState())

	tok, err := w.Token(context.Background(), models.BackendGoto)
	require.NoError(t, err)
	assert.Equal(t, "goto-token", tok)

	tok, err = w.Token(context.Background(), models.BackendAutotel)
	require.NoError(t, err)
	assert.Equal(t, "autotel-token", tok)
}

func TestDataWorkerConcurrentTokenRequestsDoNotCrossTalk(t *testing.T) {
	b := newFakeBrowser()
	b.tokenFn = func(ctx context.Context, name string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "token-" + name, nil
	}
	w, _ := startDataWorker(t, b, nil, newAccountStore(t, lateOnly), newFakeGUI())
	waitClosed(t, w.Ready())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, backend := range []models.Backend{models.BackendGoto, models.BackendAutotel} {
			wg.Add(1)
			go func(backend models.Backend) {
				defer wg.Done()
				tok, err := w.Token(context.Background(), backend)
				assert.NoError(t, err)
				assert.Equal(t, "token-"+string(backend)+"_bo", tok)
			}(backend)
		}
	}
	wg.Wait()
}

func TestDataWorkerTokenTimeout(t *testing.T) {
	b := newFakeBrowser()
	b.tokenFn = func(ctx context.Context, name string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	machine := state.NewMachine("data", state.KindData, nil)
	cfg := testConfig()
	cfg.TokenTimeout = 50 * time.Millisecond
	w := worker.NewDataWorker(cfg, b, nil, newAccountStore(t, lateOnly), newFakeGUI(), machine, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	waitClosed(t, w.Ready())

	_, err := w.Token(context.Background(), models.BackendGoto)
	assert.ErrorIs(t, err, bridge.ErrTimeout)
}

func TestDataWorkerRelaunchesAfterTargetClosed(t *testing.T) {
	b := newFakeBrowser()
	var mu sync.Mutex
	calls := 0
	b.tokenFn = func(ctx context.Context, name string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", browser.ErrTargetClosed
		}
		return "fresh", nil
	}
	w, machine := startDataWorker(t, b, nil, newAccountStore(t, lateOnly), newFakeGUI())
	waitClosed(t, w.Ready())

	_, err := w.Token(context.Background(), models.BackendGoto)
	assert.ErrorIs(t, err, browser.ErrTargetClosed)

	assert.Eventually(t, func() bool { return b.relaunchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return machine.CurrentState() == state.StateReady }, 2*time.Second, 10*time.Millisecond)

	tok, err := w.Token(context.Background(), models.BackendGoto)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
}

func TestDataWorkerStopsWhenRelaunchFails(t *testing.T) {
	b := newFakeBrowser()
	b.relaunchErr = errors.New("browser binary missing")
	b.tokenFn = func(ctx context.Context, name string) (string, error) {
		return "", browser.ErrTargetClosed
	}
	gui := newFakeGUI()
	w, machine := startDataWorker(t, b, nil, newAccountStore(t, lateOnly), gui)
	waitClosed(t, w.Ready())

	_, err := w.Token(context.Background(), models.BackendGoto)
	require.Error(t, err)

	assert.Eventually(t, func() bool { return machine.CurrentState() == state.StateStopped }, 2*time.Second, 10*time.Millisecond)
	toasts := gui.toastList()
	require.Len(t, toasts, 1)
	assert.Equal(t, models.KindSystem, toasts[0].Kind)
	assert.Equal(t, "Browser automation unavailable", toasts[0].Title)
}

func TestDataWorkerOpenURLVisitsBackOfficeFirst(t *testing.T) {
	b := newFakeBrowser()
	w, _ := startDataWorker(t, b, nil, newAccountStore(t, lateOnly), newFakeGUI())
	waitClosed(t, w.Ready())

	ride := "https://goto.example/index.html#/orders/501/details"
	require.NoError(t, w.OpenURL(ride))

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.opened) == 1
	}, 2*time.Second, 10*time.Millisecond)
	b.mu.Lock()
	assert.Equal(t, []string{"https://goto.example", ride}, b.opened[0])
	b.mu.Unlock()
}

func TestDataWorkerKeepAliveAndCookies(t *testing.T) {
	b := newFakeBrowser()
	b.cookie = "a=1; b=2"
	w, _ := startDataWorker(t, b, nil, newAccountStore(t, lateOnly), newFakeGUI())
	waitClosed(t, w.Ready())

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.reloads[worker.PageBlank] > 0
	}, 2*time.Second, 10*time.Millisecond)

	cookie, err := w.Cookies(context.Background(), models.BackendAutotel)
	require.NoError(t, err)
	assert.Equal(t, "a=1; b=2", cookie)
}

func TestDataWorkerRejectsWhenStopped(t *testing.T) {
	machine := state.NewMachine("data", state.KindData, nil)
	w := worker.NewDataWorker(testConfig(), newFakeBrowser(), nil, newAccountStore(t, lateOnly), newFakeGUI(), machine, zap.NewNop())

	assert.ErrorIs(t, w.OpenURL("https://goto.example"), worker.ErrNotRunning)
	_, err := w.Locate(context.Background(), "12-345-67")
	assert.ErrorIs(t, err, worker.ErrNotRunning)
}

func TestDataWorkerForwardsCRMNotifications(t *testing.T) {
	b := newFakeBrowser()
	machine := state.NewMachine("data", state.KindData, nil)
	w := worker.NewDataWorker(testConfig(), b, nil, newAccountStore(t, lateOnly), newFakeGUI(), machine, zap.NewNop())

	got := make(chan []models.Notification, 1)
	w.OnNotification(func(backend models.Backend, items []models.Notification) {
		assert.Equal(t, models.BackendGoto, backend)
		got <- items
	})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	waitClosed(t, w.Ready())

	watch := b.watcher(worker.PageGotoCRM)
	require.NotNil(t, watch)
	watch([]byte(`{"value":[]}`))
	watch([]byte(`{"value":[{"appnotificationid":"n1","title":"New case","body":"x","createdon":"2024-05-01T12:00:00Z"}]}`))

	select {
	case items := <-got:
		require.Len(t, items, 1)
		assert.Equal(t, "n1", items[0].ID)
	case <-time.After(time.Second):
		t.Fatal("notification not forwarded")
	}
}

// fakeDriver 定位门户页面
type fakeDriver struct {
	mu       sync.Mutex
	visible  []bool
	typed    strings.Builder
	location string
	err      error
}

func (d *fakeDriver) SubmitLogin(ctx context.Context, user, phone string) error { return nil }

func (d *fakeDriver) OTPVisible(ctx context.Context, within time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.visible) == 0 {
		return false, nil
	}
	v := d.visible[0]
	d.visible = d.visible[1:]
	return v, nil
}

func (d *fakeDriver) DismissConfirm(ctx context.Context) error { return nil }
func (d *fakeDriver) FocusOTP(ctx context.Context) error       { return nil }
func (d *fakeDriver) SubmitOTP(ctx context.Context) error      { return nil }

func (d *fakeDriver) TypeDigit(ctx context.Context, r rune) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typed.WriteRune(r)
	return nil
}

func (d *fakeDriver) Search(ctx context.Context, plate string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location, d.location != "", d.err
}

func withPointer(a *account.Account) {
	lateOnly(a)
	a.Pointer = true
	a.PointerUser = "dana"
}

func TestDataWorkerPointerLoginAndLocate(t *testing.T) {
	driver := &fakeDriver{visible: []bool{true, false}, location: " Haifa, "}
	flow := pointer.NewFlow(driver, zap.NewNop(), nil)
	flow.KeyDelay = 0

	gui := newFakeGUI()
	w, machine := startDataWorker(t, newFakeBrowser(), flow, newAccountStore(t, withPointer), gui)

	select {
	case <-gui.otp:
	case <-time.After(2 * time.Second):
		t.Fatal("otp never requested")
	}
	assert.Equal(t, state.StateAwaitingOTP, machine.CurrentState())
	w.SubmitOTP(" 123456 ")

	waitClosed(t, w.Ready())
	assert.True(t, flow.Authenticated())
	driver.mu.Lock()
	assert.Equal(t, "123456", driver.typed.String())
	driver.mu.Unlock()

	loc, err := w.Locate(context.Background(), "12-345-67")
	require.NoError(t, err)
	assert.Equal(t, "Haifa", loc)
}

func TestDataWorkerLocateFailureReturnsPlaceholder(t *testing.T) {
	driver := &fakeDriver{err: errors.New("row vanished")}
	flow := pointer.NewFlow(driver, zap.NewNop(), nil)

	w, _ := startDataWorker(t, newFakeBrowser(), flow, newAccountStore(t, withPointer), newFakeGUI())
	waitClosed(t, w.Ready())

	loc, err := w.Locate(context.Background(), "12-345-67")
	require.NoError(t, err)
	assert.Equal(t, worker.LocateError, loc)
}

func TestDataWorkerAdoptsLoggedInPointerTab(t *testing.T) {
	b := newFakeBrowser()
	b.tabs = []browser.Tab{{ID: "p", URL: "https://fleet.pointer4u.co.il/login"}}
	flow := pointer.NewFlow(&fakeDriver{}, zap.NewNop(), nil)
	gui := newFakeGUI()

	w, _ := startDataWorker(t, b, flow, newAccountStore(t, withPointer), gui)
	waitClosed(t, w.Ready())

	assert.True(t, flow.Authenticated())
	assert.Empty(t, gui.otp)
}

func TestDataWorkerRequestsSettingsWhenCredentialsMissing(t *testing.T) {
	flow := pointer.NewFlow(&fakeDriver{}, zap.NewNop(), nil)
	gui := newFakeGUI()
	store := newAccountStore(t, func(a *account.Account) {
		withPointer(a)
		a.Phone = ""
	})

	w, _ := startDataWorker(t, newFakeBrowser(), flow, store, gui)
	waitClosed(t, w.Ready())

	gui.mu.Lock()
	defer gui.mu.Unlock()
	require.Len(t, gui.settings, 1)
	assert.False(t, flow.Authenticated())
}

func TestDataWorkerStartsPointerLoginAfterSettingsCompleted(t *testing.T) {
	driver := &fakeDriver{visible: []bool{true, false}}
	flow := pointer.NewFlow(driver, zap.NewNop(), nil)
	flow.KeyDelay = 0
	gui := newFakeGUI()
	store := newAccountStore(t, func(a *account.Account) {
		withPointer(a)
		a.Phone = ""
	})

	w, machine := startDataWorker(t, newFakeBrowser(), flow, store, gui)
	waitClosed(t, w.Ready())
	gui.mu.Lock()
	require.Len(t, gui.settings, 1)
	gui.mu.Unlock()

	_, err := store.Update(func(a *account.Account) { a.Phone = "0500000000" })
	require.NoError(t, err)
	require.NoError(t, w.AccountChanged())

	select {
	case <-gui.otp:
	case <-time.After(2 * time.Second):
		t.Fatal("otp never requested after settings were completed")
	}
	assert.Equal(t, state.StateAwaitingOTP, machine.CurrentState())

	// 登录进行中再次保存不会重新发起
	require.NoError(t, w.AccountChanged())
	w.SubmitOTP("654321")
	assert.Eventually(t, flow.Authenticated, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, gui.otp)

	driver.mu.Lock()
	assert.Equal(t, "654321", driver.typed.String())
	driver.mu.Unlock()
}

func TestDataWorkerAccountChangedIgnoredWhenLoggedIn(t *testing.T) {
	b := newFakeBrowser()
	b.tabs = []browser.Tab{{ID: "p", URL: "https://fleet.pointer4u.co.il/login"}}
	flow := pointer.NewFlow(&fakeDriver{}, zap.NewNop(), nil)
	gui := newFakeGUI()

	w, _ := startDataWorker(t, b, flow, newAccountStore(t, withPointer), gui)
	waitClosed(t, w.Ready())
	require.True(t, flow.Authenticated())

	require.NoError(t, w.AccountChanged())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gui.otp)
	assert.True(t, flow.Authenticated())
}
