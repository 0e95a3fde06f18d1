package client

// Status is the connection state of a Manager.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// String returns the string representation of Status
func (s Status) String() string {
	return string(s)
}
