package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/legalmind/roomchat/internal/backend"
	"github.com/legalmind/roomchat/internal/membership"
)

const usage = `usage: communities <command> [flags]

commands:
  list       [-search s] [-category c] [-sort members|newest|alphabetical]
  create     -name n [-category c] [-description d] [-avatar a] [-tags t1,t2]
  join       -room id
  leave      -room id
  mine
  members    -room id
  reconcile  [-room id]   (all rooms when omitted)
  seed
  watch      -room id
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not load .env: %v", err)
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	storeConfig, err := backend.FromEnv()
	if err != nil {
		log.Fatalf("invalid store configuration: %v", err)
	}
	storeConfig.ClientName = "communities"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	be, err := backend.Open(openCtx, storeConfig)
	cancel()
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer be.Close()

	user := membership.User{
		ID:    os.Getenv("USER_ID"),
		Name:  os.Getenv("USER_NAME"),
		Email: os.Getenv("USER_EMAIL"),
	}

	cmd, args := os.Args[1], os.Args[2:]
	if err := run(ctx, be.Ledger, user, cmd, args); err != nil {
		be.Close()
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(ctx context.Context, ledger *membership.Ledger, user membership.User, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	roomID := fs.String("room", "", "room id")

	switch cmd {
	case "list":
		search := fs.String("search", "", "match name, description or category")
		category := fs.String("category", "All", "category filter")
		sortBy := fs.String("sort", "members", "members, newest or alphabetical")
		fs.Parse(args)
		rooms, err := ledger.Rooms(ctx, membership.RoomQuery{
			Search:   *search,
			Category: *category,
			Sort:     membership.ParseSort(*sortBy),
		})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tMEMBERS")
		for _, r := range rooms {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.ID, r.Name, r.Category, r.Members)
		}
		return tw.Flush()

	case "create":
		name := fs.String("name", "", "room name")
		category := fs.String("category", "", "category")
		description := fs.String("description", "", "description")
		avatar := fs.String("avatar", "", "avatar url")
		tags := fs.String("tags", "", "comma separated tags")
		fs.Parse(args)
		meta := membership.RoomMeta{
			Name:        *name,
			Avatar:      *avatar,
			Category:    *category,
			Description: *description,
		}
		if *tags != "" {
			meta.Tags = strings.Split(*tags, ",")
		}
		r, err := ledger.CreateRoom(ctx, meta, user)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%s)\n", r.ID, r.Name)
		return nil

	case "join":
		fs.Parse(args)
		if *roomID == "" {
			return errors.New("-room is required")
		}
		return ledger.Join(ctx, *roomID, user)

	case "leave":
		fs.Parse(args)
		if *roomID == "" {
			return errors.New("-room is required")
		}
		return ledger.Leave(ctx, *roomID, user)

	case "mine":
		fs.Parse(args)
		ms, err := ledger.Memberships(ctx, user.ID)
		if err != nil {
			return err
		}
		for _, m := range ms {
			fmt.Printf("%s\t%s\tjoined %s\n", m.RoomID, m.RoomName, m.JoinedAt.Local().Format(time.DateTime))
		}
		return nil

	case "members":
		fs.Parse(args)
		members, err := ledger.Members(ctx, *roomID)
		if err != nil {
			return err
		}
		for _, m := range members {
			fmt.Printf("%s\t%s\t%s\n", m.UserID, m.UserName, m.UserEmail)
		}
		return nil

	case "reconcile":
		fs.Parse(args)
		ids := []string{*roomID}
		if *roomID == "" {
			rooms, err := ledger.Rooms(ctx, membership.RoomQuery{})
			if err != nil {
				return err
			}
			ids = ids[:0]
			for _, r := range rooms {
				ids = append(ids, r.ID)
			}
		}
		for _, id := range ids {
			drift, err := ledger.Reconcile(ctx, id)
			if err != nil {
				return fmt.Errorf("room %s: %w", id, err)
			}
			if drift.Drifted() {
				fmt.Printf("%s: stored=%d actual=%d (fixed, delta %+d)\n", id, drift.Stored, drift.Actual, drift.Delta())
			} else {
				fmt.Printf("%s: ok (%d)\n", id, drift.Actual)
			}
		}
		return nil

	case "seed":
		fs.Parse(args)
		n, err := ledger.SeedDefaults(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("seeded %d rooms\n", n)
		return nil

	case "watch":
		fs.Parse(args)
		if *roomID == "" {
			return errors.New("-room is required")
		}
		updates, err := ledger.WatchRoom(ctx, *roomID)
		if err != nil {
			return err
		}
		for r := range updates {
			fmt.Printf("%s %s members=%d\n", time.Now().Format(time.TimeOnly), r.Name, r.Members)
		}
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}
