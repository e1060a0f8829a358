package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/backend"
	"github.com/SteamVC/SteamVC_Match/internal/lockstore"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/SteamVC/SteamVC_Match/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

func waitingRoom(host string) models.Room {
	return models.Room{ID: "room-" + host, HostID: host, Status: models.RoomWaiting}
}

func newService(api backend.API) (*ReservationService, *lockstore.MemoryStore) {
	locks := lockstore.NewMemoryStore()
	return NewReservationService(locks, api, fastPolicy(), 10*time.Second, NewAttemptLog(16)), locks
}

func TestReserve_Success(t *testing.T) {
	api := &fakeAPI{
		rooms: [][]models.Room{{waitingRoom("hostX")}},
		joins: []backend.Envelope{{Status: backend.StatusSuccess, Data: []byte(`{"token":"abc"}`)}},
	}
	svc, locks := newService(api)

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "room-hostX", res.RoomID)
	assert.JSONEq(t, `{"token":"abc"}`, string(res.Data))
	require.NotNil(t, res.LeaseExpiresAt)

	lock, ok := locks.Get("hostX")
	require.True(t, ok)
	assert.Equal(t, "c1", lock.HolderID)
	assert.True(t, lock.ExpiresAt.Equal(*res.LeaseExpiresAt))

	recent := svc.Attempts().Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, models.AttemptSuccess, recent[0].Status)
	assert.Equal(t, models.AttemptAttempting, recent[1].Status)
}

func TestReserve_ConcurrentCallersExactlyOneWins(t *testing.T) {
	api := &fakeAPI{rooms: [][]models.Room{{waitingRoom("hostX")}}}
	svc, _ := newService(api)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		busy    int
	)
	for _, caller := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			res, err := svc.Reserve(context.Background(), caller, "hostX")
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				success++
				return
			}
			if errors.Is(err, ErrChannelBusy) && res.ErrorType == ChannelBusy {
				busy++
			}
		}(caller)
	}
	wg.Wait()
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, busy)
}

func TestReserve_RaceDetectedCompensatesOnce(t *testing.T) {
	taken := waitingRoom("hostX")
	taken.OccupantID = "c2"
	api := &fakeAPI{rooms: [][]models.Room{{waitingRoom("hostX")}, {taken}}}
	svc, locks := newService(api)

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ChannelBusy, res.ErrorType)
	assert.ErrorIs(t, err, ErrChannelBusy)
	assert.ErrorIs(t, err, ErrRaceDetected)

	assert.Equal(t, []string{"c1:hostX:room-hostX"}, api.closeCalls)
	_, held := locks.Get("hostX")
	assert.False(t, held)
	assert.Equal(t, models.AttemptRaceCondition, svc.Attempts().Recent(1)[0].Status)
}

func TestReserve_LockExpiredDuringJoin(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	locks := lockstore.NewMemoryStore().WithClock(clock)
	api := &fakeAPI{rooms: [][]models.Room{{waitingRoom("hostX")}}}
	svc := NewReservationService(locks, api, fastPolicy(), 10*time.Second, NewAttemptLog(16))

	// 参加APIが遅延している間にロックが切れ、c2が取得する
	api.onJoin = func() {
		mu.Lock()
		now = now.Add(11 * time.Second)
		mu.Unlock()
		require.True(t, locks.Acquire("hostX", "c2", 10*time.Second).Granted)
	}

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.LeaseExpiresAt)
	assert.ErrorIs(t, err, ErrChannelBusy)
	assert.ErrorIs(t, err, ErrRaceDetected)
	assert.Equal(t, []string{"c1:hostX:room-hostX"}, api.closeCalls)

	lock, ok := locks.Get("hostX")
	require.True(t, ok)
	assert.Equal(t, "c2", lock.HolderID)
}

func TestReserve_LeaseRefreshedAfterSlowJoin(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	locks := lockstore.NewMemoryStore().WithClock(clock)
	api := &fakeAPI{rooms: [][]models.Room{{waitingRoom("hostX")}}}
	svc := NewReservationService(locks, api, fastPolicy(), 10*time.Second, NewAttemptLog(16))
	api.onJoin = func() {
		mu.Lock()
		now = now.Add(11 * time.Second)
		mu.Unlock()
	}

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	require.NoError(t, err)
	require.NotNil(t, res.LeaseExpiresAt)
	assert.True(t, res.LeaseExpiresAt.After(clock()))

	lock, ok := locks.Get("hostX")
	require.True(t, ok)
	assert.Equal(t, "c1", lock.HolderID)
	assert.True(t, lock.ExpiresAt.Equal(*res.LeaseExpiresAt))
}

func TestReserve_PrecheckFailures(t *testing.T) {
	occupied := waitingRoom("hostX")
	occupied.OccupantID = "someone"
	finished := waitingRoom("hostX")
	finished.Status = models.RoomFinished

	tests := []struct {
		name      string
		rooms     []models.Room
		want      ErrorType
		wantCalls int
	}{
		{name: "absent", rooms: nil, want: ChannelNotAvailable, wantCalls: 1},
		{name: "finished", rooms: []models.Room{finished}, want: ChannelNotAvailable, wantCalls: 1},
		{name: "occupied", rooms: []models.Room{occupied}, want: ChannelBusy, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{rooms: [][]models.Room{tt.rooms}}
			svc, locks := newService(api)

			res, err := svc.Reserve(context.Background(), "c1", "hostX")
			require.Error(t, err)
			assert.Equal(t, tt.want, res.ErrorType)
			assert.Equal(t, tt.wantCalls, api.listCalls)
			assert.Zero(t, api.joinCalls)
			assert.Zero(t, locks.Len())
		})
	}
}

func TestReserve_LockHeldByOther(t *testing.T) {
	api := &fakeAPI{rooms: [][]models.Room{{waitingRoom("hostX")}}}
	svc, locks := newService(api)
	locks.Acquire("hostX", "c2", time.Minute)

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	assert.ErrorIs(t, err, ErrChannelBusy)
	assert.Equal(t, ChannelBusy, res.ErrorType)
	assert.Zero(t, api.networkCalls())

	lock, ok := locks.Get("hostX")
	require.True(t, ok)
	assert.Equal(t, "c2", lock.HolderID)
}

func TestReserve_RetriesNetworkErrors(t *testing.T) {
	api := &fakeAPI{
		rooms:    [][]models.Room{{waitingRoom("hostX")}},
		roomsErr: []error{fmt.Errorf("%w: dial tcp", backend.ErrTransport), nil},
	}
	svc, _ := newService(api)

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, api.listCalls) // 事前チェック2回 + 事後チェック1回
}

func TestReserve_NetworkExhaustion(t *testing.T) {
	api := &fakeAPI{roomsErr: []error{fmt.Errorf("%w: dial tcp", backend.ErrTransport)}}
	svc, locks := newService(api)

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, NetworkError, res.ErrorType)
	assert.Equal(t, 3, api.listCalls)
	assert.Zero(t, locks.Len())
}

func TestReserve_InterpretsJoinEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		env       backend.Envelope
		want      ErrorType
		wantJoins int
	}{
		{name: "message host unavailable", env: backend.Envelope{Status: backend.StatusSuccess, Message: "Host unavailable"}, want: ChannelBusy, wantJoins: 3},
		{name: "code occupied", env: backend.Envelope{Status: backend.StatusSuccess, Code: "occupied"}, want: ChannelBusy, wantJoins: 3},
		{name: "spanish data string", env: backend.Envelope{Status: backend.StatusSuccess, Data: []byte(`"El canal está ocupado"`)}, want: ChannelBusy, wantJoins: 3},
		{name: "data object not available", env: backend.Envelope{Status: backend.StatusError, Data: []byte(`{"error":"Canal no disponible"}`)}, want: ChannelNotAvailable, wantJoins: 1},
		{name: "plain error", env: backend.Envelope{Status: backend.StatusError, Message: "bad token"}, want: ValidationFailed, wantJoins: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				rooms: [][]models.Room{{waitingRoom("hostX")}},
				joins: []backend.Envelope{tt.env},
			}
			svc, locks := newService(api)

			res, err := svc.Reserve(context.Background(), "c1", "hostX")
			require.Error(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.ErrorType)
			assert.Equal(t, tt.wantJoins, api.joinCalls)
			assert.Zero(t, locks.Len())
		})
	}
}

func TestReserve_ClassifiesHTTPErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{name: "conflict", err: &backend.HTTPError{StatusCode: 409}, want: ChannelBusy},
		{name: "not found", err: &backend.HTTPError{StatusCode: 404}, want: ChannelNotAvailable},
		{name: "envelope body", err: &backend.HTTPError{StatusCode: 400, Body: `{"status":"Error","message":"channel not available"}`}, want: ChannelNotAvailable},
		{name: "bad request", err: &backend.HTTPError{StatusCode: 400, Body: "nope"}, want: ValidationFailed},
		{name: "malformed", err: fmt.Errorf("%w: join", backend.ErrMalformed), want: ValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				rooms:    [][]models.Room{{waitingRoom("hostX")}},
				joinErrs: []error{tt.err},
			}
			svc, _ := newService(api)

			res, err := svc.Reserve(context.Background(), "c1", "hostX")
			require.Error(t, err)
			assert.Equal(t, tt.want, res.ErrorType)
			assert.Equal(t, tt.want, TypeOf(err))
		})
	}
}

func TestReserve_RoomGoneAfterJoin(t *testing.T) {
	api := &fakeAPI{rooms: [][]models.Room{{waitingRoom("hostX")}, nil}}
	svc, locks := newService(api)

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	assert.ErrorIs(t, err, ErrChannelNotAvailable)
	assert.Equal(t, ChannelNotAvailable, res.ErrorType)
	assert.Zero(t, locks.Len())
}

func TestRenewAndRelease(t *testing.T) {
	api := &fakeAPI{rooms: [][]models.Room{{waitingRoom("hostX")}}}
	svc, locks := newService(api)

	res, err := svc.Reserve(context.Background(), "c1", "hostX")
	require.NoError(t, err)

	_, err = svc.Renew("c2", "hostX")
	assert.ErrorIs(t, err, ErrNotHolder)

	exp, err := svc.Renew("c1", "hostX")
	require.NoError(t, err)
	assert.False(t, exp.Before(*res.LeaseExpiresAt))

	assert.False(t, svc.Release("c2", "hostX"))
	assert.True(t, svc.Release("c1", "hostX"))
	assert.Zero(t, locks.Len())

	_, err = svc.Renew("c1", "hostX")
	assert.ErrorIs(t, err, ErrNotHolder)
}

func TestHopBlockedError(t *testing.T) {
	err := &HopBlockedError{RetryAfter: 1500 * time.Millisecond}
	assert.Equal(t, 2, err.RetryAfterSeconds())
	assert.Equal(t, HoppingBlocked, TypeOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, 1, (&HopBlockedError{}).RetryAfterSeconds())
}

func TestAttemptLog_RingBuffer(t *testing.T) {
	l := NewAttemptLog(3)
	for i := 0; i < 5; i++ {
		l.Add(models.ConnectionAttempt{ID: fmt.Sprint(i)})
	}
	recent := l.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "4", recent[0].ID)
	assert.Equal(t, "2", recent[2].ID)
	assert.Len(t, l.Recent(2), 2)
	assert.Equal(t, 5, l.Total())

	assert.Empty(t, NewAttemptLog(3).Recent(10))
}
