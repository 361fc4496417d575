package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rostersync/internal/client"
	"rostersync/internal/config"
	"rostersync/internal/protocol"
)

// Headless sync client: mirrors the authoritative dataset and logs sync
// traffic. Useful for soak testing a relay and as a second device during
// development.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	device := protocol.IdentifyDevice{
		DeviceType: cfg.DeviceType,
		DeviceName: cfg.DeviceName,
	}

	for ctx.Err() == nil {
		conn, err := client.Dial(ctx, cfg.ServerURL, device, cfg.HeartbeatInterval)
		if err != nil {
			log.Printf("connect to %s failed: %v, retrying", cfg.ServerURL, err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			continue
		}
		log.Printf("connected to %s as %s", cfg.ServerURL, cfg.DeviceName)

		conn.Reconciler.OnScanned = func(ev protocol.StudentScanned) {
			log.Printf("student scanned elsewhere: %s (%s)", ev.StudentName, ev.StudentID)
		}
		conn.Reconciler.OnRoster = func(ev protocol.ClientRosterUpdate) {
			log.Printf("%d clients connected", ev.Count)
		}

		select {
		case <-conn.Done():
			// A dropped connection misses all broadcasts sent meanwhile;
			// the reconnect handshake delivers a fresh snapshot.
			log.Println("connection lost, reconnecting")
		case <-ctx.Done():
			conn.Close()
		}
	}

	log.Println("client stopped")
}
