// Package idgen はセッションや監査ログで使うIDを生成します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID は時刻順に並ぶULIDを生成します
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewSessionID は参加者セッションのIDを生成します
func NewSessionID() string {
	return "sess_" + NewULID()
}

// NewIntentID はクリーンアップ要求のIDを生成します
func NewIntentID() string {
	return uuid.NewString()
}
