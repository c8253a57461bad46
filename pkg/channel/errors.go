package channel

import "fmt"

// ConnectionError reports a handshake or transport failure on one channel.
// It is recovered by reconnecting and never returned to the host application.
type ConnectionError struct {
	Channel    string
	URL        string
	StatusCode int // HTTP status of a rejected handshake, 0 otherwise
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: connection to %s failed (HTTP %d): %v", e.Channel, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: connection to %s failed: %v", e.Channel, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
