package ws

import (
	"log"
	"time"
)

// keepalive periodically sends a WebSocket ping frame on t until stop is
// closed. A failed ping closes the transport, which ends the read loop and
// hands the connection over to the reconnect path.
func keepalive(t Transport, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.WritePing(); err != nil {
				log.Printf("ws: keepalive ping failed, closing transport: %v", err)
				t.Close()
				return
			}
		}
	}
}
