package service

import (
	"sync"

	"github.com/SteamVC/SteamVC_Match/internal/models"
)

// AttemptLog は接続試行の監査ログを保持する固定長リングバッファです
// 診断用途のみで、予約の正しさの判断には使いません
type AttemptLog struct {
	mu    sync.Mutex
	buf   []models.ConnectionAttempt
	next  int  // 次に書き込む位置
	full  bool // 一周したか
	total int
}

// NewAttemptLog は容量sizeのAttemptLogを作成します
func NewAttemptLog(size int) *AttemptLog {
	if size <= 0 {
		size = 200
	}
	return &AttemptLog{buf: make([]models.ConnectionAttempt, size)}
}

// Add は試行を追加します。容量を超えた場合は最も古いものを上書きします
func (l *AttemptLog) Add(a models.ConnectionAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = a
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Recent は新しい順に最大n件を返します。nが0以下なら全件を返します
func (l *AttemptLog) Recent(n int) []models.ConnectionAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]models.ConnectionAttempt, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Total はこれまでに追加された件数（破棄分を含む）を返します
func (l *AttemptLog) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
