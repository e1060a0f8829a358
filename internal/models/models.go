// Package models はアプリケーションで使用するデータ構造を定義します
package models

import "time"

// Role はチャンネル参加者の役割を表します
type Role string

const (
	RoleCaller      Role = "caller"      // 通話をかける側
	RoleBroadcaster Role = "broadcaster" // 配信する側
)

// Valid は既知のロールかどうかを返します
func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleBroadcaster
}

// BroadcasterStatus は外部ディレクトリが返す配信者の状態です（読み取り専用）
type BroadcasterStatus string

const (
	StatusOnline        BroadcasterStatus = "online"
	StatusAvailableCall BroadcasterStatus = "available_call"
	StatusInCall        BroadcasterStatus = "in_call"
	StatusOffline       BroadcasterStatus = "offline"
)

// RoomStatus はバックエンドのルームレコードの状態です
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"  // 配信者が待機中（通話可能）
	RoomActive   RoomStatus = "active"   // 通話中
	RoomFinished RoomStatus = "finished" // 終了済み
)

// ChannelLock はチャンネルIDに対する排他的で有効期限付きの予約です
type ChannelLock struct {
	ChannelID  string    `json:"channelId"`  // チャンネルID（配信者のホストID）
	HolderID   string    `json:"holderId"`   // ロック保持者のユーザーID
	AcquiredAt time.Time `json:"acquiredAt"` // 取得日時
	ExpiresAt  time.Time `json:"expiresAt"`  // 有効期限
}

// Expired は指定時刻にロックが期限切れかどうかを返します
func (l ChannelLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// AttemptStatus は接続試行の状態です
type AttemptStatus string

const (
	AttemptAttempting    AttemptStatus = "attempting"
	AttemptSuccess       AttemptStatus = "success"
	AttemptFailed        AttemptStatus = "failed"
	AttemptRaceCondition AttemptStatus = "race_condition"
)

// ConnectionAttempt は接続試行の監査ログです（診断用途のみ）
type ConnectionAttempt struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	ChannelID string        `json:"channelId"`
	Timestamp time.Time     `json:"timestamp"`
	Status    AttemptStatus `json:"status"`
	ErrorType string        `json:"errorType,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// HeartbeatRecord は参加者の生存通知です
type HeartbeatRecord struct {
	UserID      string    `json:"userId"`
	ChannelName string    `json:"channelName"`
	RoomID      string    `json:"roomId,omitempty"`
	Role        Role      `json:"role"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Key はチャンネル+ロール単位の上書きキーを返します
func (h HeartbeatRecord) Key() string {
	return h.ChannelName + ":" + string(h.Role)
}

// ChannelHopEntry は1回のチャンネル訪問を表します
type ChannelHopEntry struct {
	HostID    string        `json:"hostId"`
	JoinTime  time.Time     `json:"joinTime"`
	LeaveTime *time.Time    `json:"leaveTime,omitempty"` // 退出前はnil
	Duration  time.Duration `json:"duration,omitempty"`
}

// Completed は退出済みかどうかを返します
func (e ChannelHopEntry) Completed() bool {
	return e.LeaveTime != nil
}

// ChannelHoppingState はセッション単位のチャンネルホッピング状態です
type ChannelHoppingState struct {
	Entries         []ChannelHopEntry   `json:"entries"`
	IsBlocked       bool                `json:"isBlocked"`
	BlockStartTime  *time.Time          `json:"blockStartTime,omitempty"`
	VisitedChannels map[string]struct{} `json:"visitedChannels"`
}

// NewChannelHoppingState は空の状態を作成します
func NewChannelHoppingState() ChannelHoppingState {
	return ChannelHoppingState{
		Entries:         []ChannelHopEntry{},
		VisitedChannels: make(map[string]struct{}),
	}
}

// Visited は今回のセッションで訪問済みのホストかどうかを返します
func (s ChannelHoppingState) Visited(hostID string) bool {
	_, ok := s.VisitedChannels[hostID]
	return ok
}

// Room は外部バックエンドのルームレコードです
type Room struct {
	ID                string     `json:"id"`
	HostID            string     `json:"host_id"`
	OccupantID        string     `json:"occupant_id,omitempty"`
	AnotherOccupantID string     `json:"another_occupant_id,omitempty"`
	Status            RoomStatus `json:"status"`
}

// OccupiedByOther はcaller以外のユーザーがルームを占有しているかを返します
func (r Room) OccupiedByOther(callerID string) bool {
	if r.OccupantID != "" && r.OccupantID != callerID {
		return true
	}
	return r.AnotherOccupantID != "" && r.AnotherOccupantID != callerID
}

// Broadcaster は外部ディレクトリの配信者エントリです
type Broadcaster struct {
	UserID  string            `json:"user_id"`
	HostID  string            `json:"host_id"`
	RoomID  string            `json:"room_id,omitempty"`
	Status  BroadcasterStatus `json:"status"`
	Channel string            `json:"channel,omitempty"` // 割り当て済みチャンネル（通話中のみ）
}
