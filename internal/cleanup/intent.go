// Package cleanup は参加者の切断時にバックエンドのチャンネル状態を解放する処理を扱います
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/idgen"
	"github.com/SteamVC/SteamVC_Match/internal/models"
)

// Action はバックエンドに依頼する解放処理の種類です
type Action string

const (
	ActionCloseChannel   Action = "close_channel"   // チャンネルをfinishedにする（broadcaster）
	ActionCloseOccupancy Action = "close_occupancy" // callerの占有レコードを閉じる
	ActionResetWaiting   Action = "reset_waiting"   // チャンネルをwaitingに戻す（caller）
)

var ErrUnknownAction = errors.New("unknown cleanup action")

// Intent は1件の解放依頼です。アウトボックスにJSONで保存されます
type Intent struct {
	ID        string      `json:"id"`
	Role      models.Role `json:"role"`
	Action    Action      `json:"action"`
	UserID    string      `json:"userId"`
	HostID    string      `json:"hostId"`
	RoomID    string      `json:"roomId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	Attempts  int         `json:"attempts"`
}

// Validate は実行に必要な項目が揃っているかを確認します
func (in Intent) Validate() error {
	if strings.TrimSpace(in.HostID) == "" {
		return fmt.Errorf("cleanup intent %s: hostId required", in.Action)
	}
	switch in.Action {
	case ActionCloseChannel, ActionResetWaiting:
		return nil
	case ActionCloseOccupancy:
		if strings.TrimSpace(in.UserID) == "" {
			return fmt.Errorf("cleanup intent %s: userId required", in.Action)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, in.Action)
	}
}

// Participant はセッション中の参加者です
type Participant struct {
	Role   models.Role
	UserID string
	HostID string
	RoomID string
}

// Strategy はロールごとの解放手順です
type Strategy interface {
	Role() models.Role
	Intents(p Participant) []Intent
}

type broadcasterStrategy struct{}

func (broadcasterStrategy) Role() models.Role { return models.RoleBroadcaster }

func (broadcasterStrategy) Intents(p Participant) []Intent {
	return []Intent{newIntent(p, ActionCloseChannel)}
}

type callerStrategy struct{}

func (callerStrategy) Role() models.Role { return models.RoleCaller }

// callerは占有レコードのクローズとwaitingへの戻しを一組で送ります
func (callerStrategy) Intents(p Participant) []Intent {
	return []Intent{newIntent(p, ActionCloseOccupancy), newIntent(p, ActionResetWaiting)}
}

// StrategyFor はロールに対応する解放手順を返します
func StrategyFor(role models.Role) (Strategy, error) {
	switch role {
	case models.RoleBroadcaster:
		return broadcasterStrategy{}, nil
	case models.RoleCaller:
		return callerStrategy{}, nil
	default:
		return nil, fmt.Errorf("no cleanup strategy for role %q", role)
	}
}

func newIntent(p Participant, a Action) Intent {
	return Intent{
		ID:        idgen.NewIntentID(),
		Role:      p.Role,
		Action:    a,
		UserID:    p.UserID,
		HostID:    p.HostID,
		RoomID:    p.RoomID,
		CreatedAt: time.Now(),
	}
}

// Executor はIntentを実行するバックエンド操作です
type Executor interface {
	UpdateRoomStatus(ctx context.Context, hostID string, status models.RoomStatus) error
	CloseOccupancy(ctx context.Context, callerID, hostID, roomID string) error
}

// Execute はIntentを1回だけ実行します
func Execute(ctx context.Context, ex Executor, in Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}
	switch in.Action {
	case ActionCloseChannel:
		return ex.UpdateRoomStatus(ctx, in.HostID, models.RoomFinished)
	case ActionCloseOccupancy:
		return ex.CloseOccupancy(ctx, in.UserID, in.HostID, in.RoomID)
	default:
		return ex.UpdateRoomStatus(ctx, in.HostID, models.RoomWaiting)
	}
}
