// Command churn runs concurrent joins and leaves against one room and reports
// operation latencies and the member-count drift left behind.
//
// Usage:
//
//	churn [-users 50] [-rounds 10] [-counter auto|atomic|rmw] [-room id]
//
// The store is selected with the same environment variables as roomchat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/legalmind/roomchat/internal/backend"
	"github.com/legalmind/roomchat/internal/loadstats"
	"github.com/legalmind/roomchat/internal/membership"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not load .env: %v", err)
	}

	users := flag.Int("users", 50, "concurrent users")
	rounds := flag.Int("rounds", 10, "join/leave cycles per user before the final join")
	counter := flag.String("counter", "", "counter mode override: auto, atomic or rmw")
	roomID := flag.String("room", "", "existing room id (a fresh room is created when empty)")
	flag.Parse()

	storeConfig, err := backend.FromEnv()
	if err != nil {
		log.Fatalf("invalid store configuration: %v", err)
	}
	if *counter != "" {
		if storeConfig.Counter, err = backend.ParseCounter(*counter); err != nil {
			log.Fatalf("%v", err)
		}
	}
	storeConfig.ClientName = "churn"

	ctx := context.Background()
	be, err := backend.Open(ctx, storeConfig)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer be.Close()
	ledger := be.Ledger

	id := *roomID
	if id == "" {
		creator := membership.User{ID: "churn-admin", Name: "Churn Admin"}
		room, err := ledger.CreateRoom(ctx, membership.RoomMeta{Name: "Churn " + time.Now().Format(time.TimeOnly)}, creator)
		if err != nil {
			log.Fatalf("failed to create room: %v", err)
		}
		id = room.ID
	}

	log.Printf("churn starting")
	log.Printf("  room:     %s", id)
	log.Printf("  users:    %d", *users)
	log.Printf("  rounds:   %d", *rounds)
	log.Printf("  counter:  %s", ledger.Counter())

	stats := loadstats.NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < *users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := membership.User{ID: fmt.Sprintf("churn-user-%d", i), Name: fmt.Sprintf("User %d", i)}
			for r := 0; r < *rounds; r++ {
				_ = stats.Time("join", func() error { return ledger.Join(ctx, id, u) })
				_ = stats.Time("leave", func() error { return ledger.Leave(ctx, id, u) })
			}
			_ = stats.Time("join", func() error { return ledger.Join(ctx, id, u) })
		}(i)
	}
	wg.Wait()

	stats.Report(os.Stdout)

	drift, err := ledger.Reconcile(ctx, id)
	if err != nil {
		log.Fatalf("reconcile failed: %v", err)
	}
	fmt.Printf("members: stored=%d actual=%d drift=%+d\n", drift.Stored, drift.Actual, drift.Delta())
	if drift.Drifted() {
		fmt.Println("counter drifted and has been reconciled")
	}
}
