package handlers

import (
	"fmt"

	"github.com/SteamVC/SteamVC_Match/internal/models"
)

// validateUserId はユーザーIDのバリデーションを行います
// ユーザーIDが空の場合はエラーを返します
func validateUserId(userId string) error {
	if normalizeID(userId) == "" {
		return fmt.Errorf("userId required")
	}
	return nil
}

// validateHostId はホストID（チャンネルID）のバリデーションを行います
func validateHostId(hostId string) error {
	if normalizeID(hostId) == "" {
		return fmt.Errorf("hostId required")
	}
	return nil
}

func validateSessionId(sessionId string) error {
	if normalizeID(sessionId) == "" {
		return fmt.Errorf("sessionId required")
	}
	return nil
}

func validateRole(role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("role must be %q or %q", models.RoleCaller, models.RoleBroadcaster)
	}
	return nil
}
