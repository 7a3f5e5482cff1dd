package domain

type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateOpen         ConnectionState = "open"
	StateClosing      ConnectionState = "closing"
	StateClosed       ConnectionState = "closed"
	StateError        ConnectionState = "error"
	StateReconnecting ConnectionState = "reconnecting"
)

type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncSyncing  SyncStatus = "syncing"
	SyncConflict SyncStatus = "conflict"
	SyncOffline  SyncStatus = "offline"
)

type ConnectionQuality string

const (
	QualityExcellent    ConnectionQuality = "excellent"
	QualityGood         ConnectionQuality = "good"
	QualityReconnecting ConnectionQuality = "reconnecting"
	QualityDisconnected ConnectionQuality = "disconnected"
)
