package ws

import (
	"log"
	"time"
)

// startKeepalive begins a background goroutine that sends a ping every
// interval until done is closed. A failed ping means the connection is dead:
// onFail is called once and the goroutine exits, which unblocks the reader
// with an error and lets the session reconnect.
func startKeepalive(interval time.Duration, done <-chan struct{}, ping func() error, onFail func(error), label string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ping(); err != nil {
					select {
					case <-done:
						return
					default:
					}
					log.Printf("[ws] keepalive ping failed url=%s: %v", label, err)
					onFail(err)
					return
				}
			}
		}
	}()
}
