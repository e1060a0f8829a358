package service

import (
	"context"
	"sync"

	"github.com/SteamVC/SteamVC_Match/internal/backend"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
}

// fakeAPI はbackend.APIのテスト用実装です
// roomsは呼び出しごとに順番に返し、最後の要素を繰り返します
type fakeAPI struct {
	mu sync.Mutex

	rooms        [][]models.Room
	roomsErr     []error
	joins        []backend.Envelope
	joinErrs     []error
	broadcasters []models.Broadcaster
	onJoin       func() // 参加APIの処理中に実行する

	listCalls  int
	joinCalls  int
	closeCalls []string // "caller:host:room"
	statuses   []models.RoomStatus
}

func pick[T any](xs []T, i int) (T, bool) {
	var zero T
	if len(xs) == 0 {
		return zero, false
	}
	if i >= len(xs) {
		i = len(xs) - 1
	}
	return xs[i], true
}

func (f *fakeAPI) ListRooms(_ context.Context, _ backend.RoomFilter) ([]models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.listCalls
	f.listCalls++
	if err, ok := pick(f.roomsErr, i); ok && err != nil {
		return nil, err
	}
	rooms, _ := pick(f.rooms, i)
	return rooms, nil
}

func (f *fakeAPI) Join(_ context.Context, _, _ string) (backend.Envelope, error) {
	if f.onJoin != nil {
		f.onJoin()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.joinCalls
	f.joinCalls++
	if err, ok := pick(f.joinErrs, i); ok && err != nil {
		return backend.Envelope{}, err
	}
	env, ok := pick(f.joins, i)
	if !ok {
		env = backend.Envelope{Status: backend.StatusSuccess}
	}
	return env, nil
}

func (f *fakeAPI) UpdateRoomStatus(_ context.Context, _ string, status models.RoomStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeAPI) CloseOccupancy(_ context.Context, callerID, hostID, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls = append(f.closeCalls, callerID+":"+hostID+":"+roomID)
	return nil
}

func (f *fakeAPI) ListBroadcasters(context.Context) ([]models.Broadcaster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Broadcaster(nil), f.broadcasters...), nil
}

func (f *fakeAPI) networkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls + f.joinCalls
}
