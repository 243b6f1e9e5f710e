// Package membership maintains who belongs to which community room and the
// room's denormalized member-count.
//
// Each membership is stored twice, once under the room and once under the
// user:
//
//	communityMembers/{roomId}/{userId}  {joinedAt, userId, userEmail, userName}
//	userMemberships/{userId}/{roomId}   {joinedAt, communityName}
//
// The communityMembers record is the source of truth. The room's "members"
// field is maintained separately and is only eventually consistent with the
// record count; see CounterMode.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/legalmind/roomchat/internal/chaterr"
	"github.com/legalmind/roomchat/internal/docstore"
	"github.com/legalmind/roomchat/internal/metrics"
)

const (
	// RoomsCollection holds one document per room.
	RoomsCollection = "communities"

	// MembersCollection holds communityMembers/{roomId}/{userId} records.
	MembersCollection = "communityMembers"

	// UserMembershipsCollection holds userMemberships/{userId}/{roomId} records.
	UserMembershipsCollection = "userMemberships"

	// RoomIDPrefix prefixes generated room ids.
	RoomIDPrefix = "community_"

	membersField = "members"
)

// DefaultRules are applied to rooms created without rules.
var DefaultRules = []string{
	"Be respectful and professional",
	"No spam or self-promotion",
	"Share reliable legal information only",
}

// CounterMode selects how the member-count is maintained.
type CounterMode int

const (
	// CounterAuto uses CounterAtomic when the store implements
	// docstore.Incrementer and CounterReadModifyWrite otherwise.
	CounterAuto CounterMode = iota

	// CounterReadModifyWrite reads the count and writes count±1. Concurrent
	// joins and leaves on one room can race and leave the count off by the
	// number of lost updates until Reconcile runs.
	CounterReadModifyWrite

	// CounterAtomic uses the store's atomic floored increment.
	CounterAtomic
)

func (m CounterMode) String() string {
	switch m {
	case CounterAuto:
		return "auto"
	case CounterReadModifyWrite:
		return "read-modify-write"
	case CounterAtomic:
		return "atomic"
	default:
		return fmt.Sprintf("CounterMode(%d)", int(m))
	}
}

// User is the identity performing a ledger operation. Only ID is required.
type User struct {
	ID    string
	Name  string
	Email string
}

// DisplayName is the name shown to other members: Name, or Email when the
// user has no name.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// Config holds ledger settings.
type Config struct {
	Counter CounterMode
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Counter: CounterAuto}
}

// Ledger reads and writes membership records and room documents. It holds no
// lock of its own; all coordination is left to the store.
type Ledger struct {
	store   docstore.Store
	inc     docstore.Incrementer
	counter CounterMode
}

// New creates a Ledger on store.
func New(store docstore.Store, cfg Config) *Ledger {
	l := &Ledger{store: store, counter: cfg.Counter}
	inc, ok := store.(docstore.Incrementer)
	if ok {
		l.inc = inc
	}
	switch {
	case l.counter == CounterAuto && ok:
		l.counter = CounterAtomic
	case l.counter == CounterAuto:
		l.counter = CounterReadModifyWrite
	case l.counter == CounterAtomic && !ok:
		log.Printf("[membership] store has no atomic increment, using read-modify-write counter")
		l.counter = CounterReadModifyWrite
	}
	return l
}

// Counter returns the effective counter mode.
func (l *Ledger) Counter() CounterMode {
	return l.counter
}

// Store returns the underlying document store.
func (l *Ledger) Store() docstore.Store {
	return l.store
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

// RoomPath returns the document path of a room.
func RoomPath(roomID string) string {
	return docstore.Join(RoomsCollection, roomID)
}

// MemberPath returns the path of a room-side membership record.
func MemberPath(roomID, userID string) string {
	return docstore.Join(MembersCollection, roomID, userID)
}

// UserMembershipPath returns the path of a user-side membership record.
func UserMembershipPath(userID, roomID string) string {
	return docstore.Join(UserMembershipsCollection, userID, roomID)
}

// ---------------------------------------------------------------------------
// Join / Leave / CreateRoom
// ---------------------------------------------------------------------------

// Join adds user to the room and increments its member-count. Joining a room
// the user already belongs to rewrites the records and leaves the count
// alone. A missing room document is not an error: the records are written
// and the count is left untouched.
func (l *Ledger) Join(ctx context.Context, roomID string, user User) (err error) {
	defer func() { metrics.MembershipOps.WithLabelValues("join", metrics.Result(err)).Inc() }()

	if user.ID == "" {
		return chaterr.New(chaterr.CodeNotAuthenticated, "log in to join communities")
	}
	already, err := l.IsMember(ctx, roomID, user.ID)
	if err != nil {
		return fmt.Errorf("membership: join %s: %w", roomID, err)
	}

	roomName := "Unknown"
	if doc, err := l.store.Get(ctx, RoomPath(roomID)); err == nil && doc.String("name") != "" {
		roomName = doc.String("name")
	}
	if err := l.writeRecords(ctx, roomID, roomName, user); err != nil {
		return fmt.Errorf("membership: join %s: %w", roomID, err)
	}
	if already {
		return nil
	}

	n, err := l.adjust(ctx, roomID, 1)
	if err != nil {
		return fmt.Errorf("membership: join %s: count: %w", roomID, err)
	}
	log.Printf("[membership] user=%s joined room=%s members=%d", user.ID, roomID, n)
	return nil
}

// Leave removes user from the room and decrements its member-count, floored
// at zero. Leaving a room the user does not belong to removes nothing and
// leaves the count alone.
func (l *Ledger) Leave(ctx context.Context, roomID string, user User) (err error) {
	defer func() { metrics.MembershipOps.WithLabelValues("leave", metrics.Result(err)).Inc() }()

	if user.ID == "" {
		return chaterr.New(chaterr.CodeNotAuthenticated, "log in to leave communities")
	}
	member, err := l.IsMember(ctx, roomID, user.ID)
	if err != nil {
		return fmt.Errorf("membership: leave %s: %w", roomID, err)
	}

	if err := l.store.Remove(ctx, UserMembershipPath(user.ID, roomID)); err != nil {
		return fmt.Errorf("membership: leave %s: %w", roomID, err)
	}
	if err := l.store.Remove(ctx, MemberPath(roomID, user.ID)); err != nil {
		return fmt.Errorf("membership: leave %s: %w", roomID, err)
	}
	if !member {
		return nil
	}

	n, err := l.adjust(ctx, roomID, -1)
	if err != nil {
		return fmt.Errorf("membership: leave %s: count: %w", roomID, err)
	}
	log.Printf("[membership] user=%s left room=%s members=%d", user.ID, roomID, n)
	return nil
}

// RoomMeta is the caller-supplied part of a new room.
type RoomMeta struct {
	Name        string
	Avatar      string
	Category    string
	Description string
	Rules       []string
	Tags        []string
}

// CreateRoom writes a new room with creator as its first and only member and
// returns it as stored. The member-count starts at 1 and is not incremented
// again for the creator's own membership.
func (l *Ledger) CreateRoom(ctx context.Context, meta RoomMeta, creator User) (room Room, err error) {
	defer func() { metrics.MembershipOps.WithLabelValues("create", metrics.Result(err)).Inc() }()

	if creator.ID == "" {
		return Room{}, chaterr.New(chaterr.CodeNotAuthenticated, "log in to create communities")
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Room{}, errors.New("membership: create room: name is required")
	}
	rules := meta.Rules
	if len(rules) == 0 {
		rules = DefaultRules
	}

	id := RoomIDPrefix + uuid.New().String()
	doc := docstore.Doc{
		"name":          meta.Name,
		"avatar":        meta.Avatar,
		"category":      meta.Category,
		"description":   meta.Description,
		"createdBy":     creator.ID,
		"createdByName": creator.DisplayName(),
		"createdAt":     docstore.ServerTimestamp,
		membersField:    1,
		"isActive":      true,
		"rules":         rules,
	}
	if len(meta.Tags) > 0 {
		doc["tags"] = meta.Tags
	}
	if err := l.store.Set(ctx, RoomPath(id), doc); err != nil {
		return Room{}, fmt.Errorf("membership: create room: %w", err)
	}
	if err := l.writeRecords(ctx, id, meta.Name, creator); err != nil {
		return Room{}, fmt.Errorf("membership: create room %s: %w", id, err)
	}
	log.Printf("[membership] room=%s created by user=%s", id, creator.ID)

	return l.Room(ctx, id)
}

func (l *Ledger) writeRecords(ctx context.Context, roomID, roomName string, user User) error {
	if err := l.store.Set(ctx, UserMembershipPath(user.ID, roomID), docstore.Doc{
		"joinedAt":      docstore.ServerTimestamp,
		"communityName": roomName,
	}); err != nil {
		return err
	}
	return l.store.Set(ctx, MemberPath(roomID, user.ID), docstore.Doc{
		"joinedAt":  docstore.ServerTimestamp,
		"userId":    user.ID,
		"userEmail": user.Email,
		"userName":  user.DisplayName(),
	})
}

// adjust applies delta to the room's member-count and returns the new value.
// A missing room yields (0, nil).
func (l *Ledger) adjust(ctx context.Context, roomID string, delta int64) (int64, error) {
	path := RoomPath(roomID)

	if l.counter == CounterAtomic {
		n, err := l.inc.Increment(ctx, path, membersField, delta)
		if errors.Is(err, docstore.ErrNotFound) {
			return 0, nil
		}
		return n, err
	}

	doc, err := l.store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := doc.Int(membersField) + delta
	if n < 0 {
		n = 0
	}
	err = l.store.Update(ctx, path, docstore.Doc{membersField: n})
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, nil
	}
	return n, err
}
