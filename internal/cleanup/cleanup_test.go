package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/SteamVC/SteamVC_Match/internal/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
}

type call struct {
	op     string
	hostID string
	userID string
	status models.RoomStatus
}

type fakeExecutor struct {
	mu       sync.Mutex
	calls    []call
	failures int // 先頭から失敗させる回数
}

var errBackend = errors.New("backend down")

func (f *fakeExecutor) fail() bool {
	if f.failures > 0 {
		f.failures--
		return true
	}
	return false
}

func (f *fakeExecutor) UpdateRoomStatus(_ context.Context, hostID string, status models.RoomStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "status", hostID: hostID, status: status})
	if f.fail() {
		return errBackend
	}
	return nil
}

func (f *fakeExecutor) CloseOccupancy(_ context.Context, callerID, hostID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "close", hostID: hostID, userID: callerID})
	if f.fail() {
		return errBackend
	}
	return nil
}

func (f *fakeExecutor) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeBeacon struct {
	accept bool
	sent   [][]Intent
}

func (b *fakeBeacon) SendBeacon(_ context.Context, intents []Intent) bool {
	b.sent = append(b.sent, intents)
	return b.accept
}

func TestStrategyFor(t *testing.T) {
	p := Participant{UserID: "u1", HostID: "host1", RoomID: "r1"}

	s, err := StrategyFor(models.RoleBroadcaster)
	require.NoError(t, err)
	p.Role = models.RoleBroadcaster
	intents := s.Intents(p)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionCloseChannel, intents[0].Action)

	s, err = StrategyFor(models.RoleCaller)
	require.NoError(t, err)
	p.Role = models.RoleCaller
	intents = s.Intents(p)
	require.Len(t, intents, 2)
	assert.Equal(t, ActionCloseOccupancy, intents[0].Action)
	assert.Equal(t, ActionResetWaiting, intents[1].Action)
	assert.NotEqual(t, intents[0].ID, intents[1].ID)

	_, err = StrategyFor("viewer")
	assert.Error(t, err)
}

func TestExecute_MapsActions(t *testing.T) {
	ex := &fakeExecutor{}
	ctx := context.Background()

	require.NoError(t, Execute(ctx, ex, Intent{Action: ActionCloseChannel, HostID: "h"}))
	require.NoError(t, Execute(ctx, ex, Intent{Action: ActionCloseOccupancy, HostID: "h", UserID: "u"}))
	require.NoError(t, Execute(ctx, ex, Intent{Action: ActionResetWaiting, HostID: "h"}))

	assert.Equal(t, []call{
		{op: "status", hostID: "h", status: models.RoomFinished},
		{op: "close", hostID: "h", userID: "u"},
		{op: "status", hostID: "h", status: models.RoomWaiting},
	}, ex.snapshot())

	assert.ErrorIs(t, Execute(ctx, ex, Intent{Action: "explode", HostID: "h"}), ErrUnknownAction)
	assert.Error(t, Execute(ctx, ex, Intent{Action: ActionCloseOccupancy, HostID: "h"}))
}

func TestCoordinator_RunsOnceAcrossSignals(t *testing.T) {
	b := &fakeBeacon{accept: true}
	c, err := NewCoordinator(Participant{Role: models.RoleCaller, UserID: "u1", HostID: "host1"}, b, &fakeExecutor{}, Options{})
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, c.Trigger(ctx, SignalPageHide))
	assert.False(t, c.Trigger(ctx, SignalUnload))
	assert.True(t, c.Executed())
	require.Len(t, b.sent, 1)
	assert.Len(t, b.sent[0], 2)
}

func TestCoordinator_HiddenIgnoredUnlessEnabled(t *testing.T) {
	b := &fakeBeacon{accept: true}
	p := Participant{Role: models.RoleBroadcaster, UserID: "b1", HostID: "host1"}

	c, err := NewCoordinator(p, b, nil, Options{})
	require.NoError(t, err)
	assert.False(t, c.Trigger(context.Background(), SignalHidden))
	assert.False(t, c.Executed())

	c, err = NewCoordinator(p, b, nil, Options{CleanupOnHidden: true})
	require.NoError(t, err)
	assert.True(t, c.Trigger(context.Background(), SignalHidden))
}

func TestCoordinator_FallbackWhenBeaconRejected(t *testing.T) {
	b := &fakeBeacon{accept: false}
	ex := &fakeExecutor{failures: 1}
	c, err := NewCoordinator(Participant{Role: models.RoleCaller, UserID: "u1", HostID: "host1"}, b, ex, Options{FallbackDelay: 20 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	assert.True(t, c.Trigger(context.Background(), SignalUnload))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// 1件目の失敗は握りつぶされ、2件目も送られる
	calls := ex.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "close", calls[0].op)
	assert.Equal(t, models.RoomWaiting, calls[1].status)
}

func TestMemoryOutbox_PopTimesOut(t *testing.T) {
	ob := NewMemoryOutbox(1)
	_, ok, err := ob.Pop(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ob.Push(context.Background(), Intent{ID: "1"}))
	assert.ErrorIs(t, ob.Push(context.Background(), Intent{ID: "2"}), ErrOutboxFull)

	batch, ok, err := ob.Pop(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, batch, 1)
	assert.Equal(t, "1", batch[0].ID)
}

func TestMemoryOutbox_FullEnqueuesNothing(t *testing.T) {
	ob := NewMemoryOutbox(1)
	ctx := context.Background()
	require.NoError(t, ob.Push(ctx, Intent{ID: "b1", Action: ActionCloseChannel, HostID: "host1"}))

	// 満杯なら呼び出し元の2件はどちらも登録されない
	pair := callerStrategy{}.Intents(Participant{Role: models.RoleCaller, UserID: "u1", HostID: "host2", RoomID: "r2"})
	require.Len(t, pair, 2)
	assert.ErrorIs(t, ob.Push(ctx, pair...), ErrOutboxFull)
	assert.Equal(t, 1, ob.Len())

	batch, ok, err := ob.Pop(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b1", batch[0].ID)
	_, ok, err = ob.Pop(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	// 空きができれば2件まとめて登録される
	require.NoError(t, ob.Push(ctx, pair...))
	batch, ok, err = ob.Pop(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pair, batch)
}

func noWait() retry.Policy {
	return retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestWorker_RequeuesThenDelivers(t *testing.T) {
	ob := NewMemoryOutbox(8)
	ex := &fakeExecutor{failures: 2}
	w := NewWorker(ob, ex, WorkerConfig{MaxAttempts: 5, PollTimeout: 5 * time.Millisecond, Policy: noWait()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ob.Push(ctx, Intent{ID: "i1", Action: ActionCloseChannel, HostID: "host1"}))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(ex.snapshot()) == 3 }, time.Second, 2*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 0, ob.Len())
}

func TestWorker_DropsAfterMaxAttempts(t *testing.T) {
	ob := NewMemoryOutbox(8)
	ex := &fakeExecutor{failures: 100}
	w := NewWorker(ob, ex, WorkerConfig{MaxAttempts: 3, PollTimeout: 5 * time.Millisecond, Policy: noWait()})

	ctx := context.Background()
	w.Process(ctx, []Intent{{ID: "i1", Action: ActionResetWaiting, HostID: "host1"}})
	requeued, ok, err := ob.Pop(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, requeued, 1)
	assert.Equal(t, 1, requeued[0].Attempts)

	w.Process(ctx, requeued)
	requeued, ok, err = ob.Pop(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	w.Process(ctx, requeued)
	assert.Equal(t, 0, ob.Len())
	assert.Len(t, ex.snapshot(), 3)
}

func TestWorker_RetriesWithinOneDelivery(t *testing.T) {
	ob := NewMemoryOutbox(8)
	ex := &fakeExecutor{failures: 1}
	w := NewWorker(ob, ex, WorkerConfig{
		MaxAttempts: 1,
		Policy:      retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Retryable:   func(err error) bool { return errors.Is(err, errBackend) },
	})

	w.Process(context.Background(), []Intent{{ID: "i1", Action: ActionCloseChannel, HostID: "host1"}})
	assert.Len(t, ex.snapshot(), 2)
	assert.Equal(t, 0, ob.Len())
}

func TestWorker_CallerPairStaysOrderedAcrossRequeue(t *testing.T) {
	ob := NewMemoryOutbox(8)
	ex := &fakeExecutor{failures: 1}
	w := NewWorker(ob, ex, WorkerConfig{MaxAttempts: 3, PollTimeout: time.Millisecond, Policy: noWait()})
	ctx := context.Background()

	pair := callerStrategy{}.Intents(Participant{Role: models.RoleCaller, UserID: "u1", HostID: "host1", RoomID: "r1"})
	require.Len(t, pair, 2)
	require.Equal(t, ActionCloseOccupancy, pair[0].Action)
	require.Equal(t, ActionResetWaiting, pair[1].Action)

	// 占有の終了が失敗したら待機中への戻しは実行せず、2件まとめて再登録される
	w.Process(ctx, pair)
	calls := ex.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "close", calls[0].op)

	requeued, ok, err := ob.Pop(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, requeued, 2)
	assert.Equal(t, ActionCloseOccupancy, requeued[0].Action)
	assert.Equal(t, 1, requeued[0].Attempts)
	assert.Equal(t, ActionResetWaiting, requeued[1].Action)
	assert.Equal(t, 0, requeued[1].Attempts)

	w.Process(ctx, requeued)
	calls = ex.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "close", calls[1].op)
	assert.Equal(t, "status", calls[2].op)
	assert.Equal(t, models.RoomWaiting, calls[2].status)
	assert.Equal(t, 0, ob.Len())
}

func TestWorker_DropsRemainderWhenHeadExhausted(t *testing.T) {
	ob := NewMemoryOutbox(8)
	ex := &fakeExecutor{failures: 100}
	w := NewWorker(ob, ex, WorkerConfig{MaxAttempts: 1, PollTimeout: time.Millisecond, Policy: noWait()})

	w.Process(context.Background(), callerStrategy{}.Intents(Participant{Role: models.RoleCaller, UserID: "u1", HostID: "host1", RoomID: "r1"}))
	calls := ex.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "close", calls[0].op)
	assert.Equal(t, 0, ob.Len())
}
