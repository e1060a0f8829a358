package hopguard

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/SteamVC/SteamVC_Match/internal/models"
)

// MemoryStore はプロセス内メモリ上のStateStore実装です
// 保存時にJSONで複製するため、呼び出し側の変更が保存済みの状態に影響しません
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStore は新しいMemoryStoreを作成します
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (models.ChannelHoppingState, bool, error) {
	m.mu.RLock()
	b, ok := m.states[sessionID]
	m.mu.RUnlock()
	if !ok {
		return models.ChannelHoppingState{}, false, nil
	}
	var st models.ChannelHoppingState
	if err := json.Unmarshal(b, &st); err != nil {
		return models.ChannelHoppingState{}, false, err
	}
	return st, true, nil
}

func (m *MemoryStore) Save(_ context.Context, sessionID string, st models.ChannelHoppingState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[sessionID] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.states, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Sessions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.states))
	for id := range m.states {
		out = append(out, id)
	}
	return out, nil
}
