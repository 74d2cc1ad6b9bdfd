package syncclient

// Status 连接状态：Connecting -> Connected <-> Disconnected
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)
