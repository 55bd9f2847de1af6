package bus

import "time"

// Event kinds published by the client core.
const (
	KindSocketStateChanged = "socket.state_changed"
	KindSocketFrame        = "socket.frame"
	KindSyncBatchDone      = "sync.batch_done"
	KindSyncBatchFailed    = "sync.batch_failed"
	KindEntitySyncStatus   = "entity.sync_status"
	KindNotification       = "notify.shown"
)

// Event is a message published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
