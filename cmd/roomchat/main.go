package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/legalmind/roomchat/internal/backend"
	"github.com/legalmind/roomchat/internal/history"
	"github.com/legalmind/roomchat/internal/membership"
	"github.com/legalmind/roomchat/internal/metrics"
	"github.com/legalmind/roomchat/internal/moderation"
	"github.com/legalmind/roomchat/internal/protocol"
	"github.com/legalmind/roomchat/internal/ratelimit"
	"github.com/legalmind/roomchat/internal/room"
	"github.com/legalmind/roomchat/internal/session"
	"github.com/legalmind/roomchat/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not load .env: %v", err)
	}

	wsBase := getenv("WS_URL", "ws://localhost:8080")
	historyBase := getenv("HISTORY_URL", "http://localhost:8080")
	roomID := getenv("ROOM_ID", "community_1")
	user := membership.User{
		ID:    os.Getenv("USER_ID"),
		Name:  os.Getenv("USER_NAME"),
		Email: os.Getenv("USER_EMAIL"),
	}
	if user.ID == "" {
		log.Fatalf("USER_ID is required")
	}

	storeConfig, err := backend.FromEnv()
	if err != nil {
		log.Fatalf("invalid store configuration: %v", err)
	}
	storeConfig.ClientName = "roomchat-" + user.ID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	be, err := backend.Open(ctx, storeConfig)
	cancel()
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer be.Close()

	// --- Transport ---
	wsConfig := ws.DefaultConfig()
	var dialer session.Dialer = ws.NewDialer(wsConfig)
	transport := getenv("TRANSPORT", "gobwas")
	if transport == "coder" {
		dialer = ws.NewCoderDialer(wsConfig)
	}

	// --- History ---
	historyConfig := history.DefaultConfig(historyBase)
	if v := os.Getenv("HISTORY_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			historyConfig.Retries = n
		}
	}
	fetcher := history.NewClient(historyConfig)

	// --- Limits ---
	var limiter ratelimit.Limiter = ratelimit.NewLocal(nil)
	if be.Redis != nil {
		limiter = ratelimit.NewRedis(be.Redis)
	}
	var allow []string
	if v := os.Getenv("SPAM_ALLOW"); v != "" {
		allow = strings.Split(v, ",")
	}

	// --- Metrics ---
	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, r); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	log.Printf("roomchat starting")
	log.Printf("  ws_url:       %s", wsBase)
	log.Printf("  history_url:  %s", historyBase)
	log.Printf("  room_id:      %s", roomID)
	log.Printf("  user_id:      %s", user.ID)
	log.Printf("  transport:    %s", transport)
	log.Printf("  store:        %s", storeConfig.Driver)
	log.Printf("  metrics_addr: %s", metricsAddr)

	cfg := room.DefaultConfig(roomID)
	cfg.WSBase = wsBase
	cfg.User = user

	out := newPrinter(user.ID)
	ctrl := room.New(cfg, dialer, fetcher,
		room.WithLedger(be.Ledger),
		room.WithLimiter(limiter),
		room.WithGuard(moderation.NewGuard(allow...)),
		room.WithHandlers(room.Handlers{
			OnReady: func() { fmt.Println("* connected") },
			OnStateChange: func(ev session.StateEvent) {
				if ev.To == session.StateReconnecting {
					fmt.Printf("* connection lost, retrying in %s (attempt %d)\n", ev.Delay, ev.Attempt+1)
				}
				if ev.To == session.StateClosed && ev.Err != nil {
					fmt.Printf("* disconnected: %v\n", ev.Err)
				}
			},
			OnError: func(err error) { fmt.Printf("* %v\n", err) },
			OnTyping: func(users []string) {
				if len(users) > 0 {
					fmt.Printf("* %s typing...\n", strings.Join(users, ", "))
				}
			},
		}),
	)

	if err := ctrl.Activate(context.Background()); err != nil {
		log.Fatalf("failed to activate room: %v", err)
	}
	go out.follow(ctrl)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("* type a message, or /join /leave /older /members /typing /quit")
loop:
	for {
		select {
		case sig := <-sigCh:
			log.Printf("received signal %v, shutting down...", sig)
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !handleLine(ctrl, be.Ledger, roomID, line) {
				break loop
			}
		}
	}

	ctrl.Deactivate()
}

// handleLine runs one line of input. It returns false on /quit.
func handleLine(ctrl *room.Controller, ledger *membership.Ledger, roomID, line string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch cmd := strings.TrimSpace(line); cmd {
	case "":
	case "/quit":
		return false
	case "/typing":
		ctrl.InputChanged()
	case "/join":
		if err := ctrl.Join(ctx); err != nil {
			fmt.Printf("* join failed: %v\n", err)
		} else {
			fmt.Println("* joined")
		}
	case "/leave":
		if err := ctrl.Leave(ctx); err != nil {
			fmt.Printf("* leave failed: %v\n", err)
		} else {
			fmt.Println("* left")
		}
	case "/older":
		n, err := ctrl.LoadOlder(ctx)
		switch {
		case err != nil:
			fmt.Printf("* %v\n", err)
		case n == 0:
			fmt.Println("* no older messages")
		default:
			fmt.Printf("* loaded %d older messages\n", n)
		}
	case "/members":
		r, err := ledger.Room(ctx, roomID)
		if err != nil {
			fmt.Printf("* %v\n", err)
			break
		}
		fmt.Printf("* %s: %d members\n", r.Name, r.Members)
		members, err := ledger.Members(ctx, roomID)
		if err != nil {
			fmt.Printf("* %v\n", err)
			break
		}
		for _, m := range members {
			fmt.Printf("  - %s (%s)\n", m.UserName, m.UserID)
		}
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Printf("* unknown command %s\n", cmd)
			break
		}
		if err := ctrl.SendMessage(ctx, line); err != nil {
			fmt.Printf("* not sent: %v\n", err)
		}
	}
	return true
}

// printer writes each merged message to stdout once.
type printer struct {
	self    string
	printed map[string]bool
}

func newPrinter(self string) *printer {
	return &printer{self: self, printed: make(map[string]bool)}
}

func (p *printer) follow(ctrl *room.Controller) {
	for range ctrl.Updates() {
		for m := range ctrl.All() {
			if p.printed[m.ID] {
				continue
			}
			p.printed[m.ID] = true
			p.print(m)
		}
	}
}

func (p *printer) print(m protocol.Message) {
	name := m.UserName
	if m.UserID == p.self {
		name = "you"
	}
	ts := m.CreatedAt.Time().Local().Format("15:04")
	if m.IsSystem() {
		fmt.Printf("[%s] * %s\n", ts, m.Content)
		return
	}
	fmt.Printf("[%s] %s: %s\n", ts, name, m.Content)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
