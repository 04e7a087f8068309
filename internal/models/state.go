package models

import "time"

// Sync statuses exposed through the subscription layer.
const (
	SyncStatusSynced  = "synced"
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
)

// MaxDroppedHistory bounds the dropped-operations ring in OfflineState.
const MaxDroppedHistory = 20

// OfflineState is the snapshot delivered to subscribers.
type OfflineState struct {
	IsOnline     bool               `json:"is_online"`
	PendingCount int                `json:"pending_count"`
	LastSyncedAt time.Time          `json:"last_synced_at"`
	SyncStatus   string             `json:"sync_status"`
	Dropped      []DroppedOperation `json:"dropped,omitempty"`
}

// Clone returns a defensive copy; mutating it never affects internal state.
func (s OfflineState) Clone() OfflineState {
	out := s
	if s.Dropped != nil {
		out.Dropped = append([]DroppedOperation(nil), s.Dropped...)
	}
	return out
}
