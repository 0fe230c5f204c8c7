package realtime

import (
	"encoding/json"

	"github.com/pilot-collab/pilot/backend/internal/content"
)

// Inbound message types (client -> server).
const (
	MessageSharedItemAuth       = "shared_item_auth"
	MessageRegisterOnItem       = "register_on_item"
	MessageUpdateUserActivity   = "update_user_activity"
	MessageUpdateItemContent    = "update_item_content"
	MessageDeleteElasticElement = "delete_elastic_element"
)

// Outbound message types (server -> client).
const (
	MessageInvalidChanges     = "invalid_changes"
	MessageUsersOnItem        = "users_on_item"
	MessageItemContentChanged = "item_content_changed"
	MessageItemRefresh        = "item_refresh"
)

type inboundEnvelope struct {
	Type string `json:"type"`
}

type sharedItemAuthPayload struct {
	Token string `json:"token"`
}

type registerOnItemPayload struct {
	ItemID string `json:"item_id"`
}

// presenceFields carries the recognized presence keys. Pointers distinguish
// an absent key from an explicit empty value so partial updates merge
// instead of clearing.
type presenceFields struct {
	FieldFocus    *string         `json:"field_focus"`
	FieldUpdating *string         `json:"field_updating"`
	Selection     json.RawMessage `json:"selection"`
}

type updateUserActivityPayload struct {
	User presenceFields `json:"user"`
}

type updateItemContentPayload struct {
	Changes   map[string]content.Change `json:"changes"`
	Selection json.RawMessage           `json:"selection"`
}

type deleteElasticElementPayload struct {
	FieldName string `json:"field_name"`
	Index     int    `json:"index"`
}

type invalidChangesMessage struct {
	Type    string            `json:"type"`
	ItemID  string            `json:"item_id"`
	Changes map[string]string `json:"changes"`
}

// PresenceUser is the wire form of one connected editor.
type PresenceUser struct {
	Key           string          `json:"key"`
	Email         string          `json:"email,omitempty"`
	Color         string          `json:"color,omitempty"`
	FieldFocus    string          `json:"field_focus,omitempty"`
	FieldUpdating string          `json:"field_updating,omitempty"`
	Selection     json.RawMessage `json:"selection,omitempty"`
}

type usersOnItemMessage struct {
	Type   string         `json:"type"`
	ItemID string         `json:"item_id"`
	Users  []PresenceUser `json:"users"`
}

type itemContentChangedMessage struct {
	Type    string                    `json:"type"`
	ItemID  string                    `json:"item_id"`
	Editor  string                    `json:"editor"`
	Changes map[string]content.Change `json:"changes"`
}

type itemRefreshMessage struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

// presenceMessage renders the users_on_item broadcast payload.
func presenceMessage(itemID string, users []User) ([]byte, error) {
	wireUsers := make([]PresenceUser, 0, len(users))
	for _, user := range users {
		wireUsers = append(wireUsers, PresenceUser{
			Key:           user.Key,
			Email:         user.Email,
			Color:         user.Color,
			FieldFocus:    user.FieldFocus,
			FieldUpdating: user.FieldUpdating,
			Selection:     user.Selection,
		})
	}
	return json.Marshal(usersOnItemMessage{
		Type:   MessageUsersOnItem,
		ItemID: itemID,
		Users:  wireUsers,
	})
}
