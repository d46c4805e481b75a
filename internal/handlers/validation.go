package handlers

import (
	"fmt"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/idgen"
)

// validateClientID はクライアントIDのバリデーションを行います
// クライアントIDが空、またはUUID形式でない場合はエラーを返します
func validateClientID(clientID string) error {
	if normalizeID(clientID) == "" {
		return fmt.Errorf("clientId required")
	}
	if !idgen.ValidClientID(clientID) {
		return fmt.Errorf("clientId must be a uuid")
	}
	return nil
}

// validateEvent はREST発行のイベント名のバリデーションを行います
func validateEvent(event string) error {
	if normalizeID(event) == "" {
		return fmt.Errorf("event required")
	}
	return nil
}
