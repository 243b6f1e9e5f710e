package membership

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/legalmind/roomchat/internal/docstore"
	"github.com/legalmind/roomchat/internal/metrics"
)

// Room is the cached view of a room document.
type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Avatar        string    `json:"avatar,omitempty"`
	Category      string    `json:"category,omitempty"`
	Description   string    `json:"description,omitempty"`
	Members       int64     `json:"members"`
	CreatedAt     time.Time `json:"createdAt"`
	CreatedBy     string    `json:"createdBy,omitempty"`
	CreatedByName string    `json:"createdByName,omitempty"`
	IsActive      bool      `json:"isActive"`
	Rules         []string  `json:"rules,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

func roomFromDoc(id string, doc docstore.Doc) Room {
	active, _ := doc["isActive"].(bool)
	members := doc.Int(membersField)
	if members < 0 {
		members = 0
	}
	return Room{
		ID:            id,
		Name:          doc.String("name"),
		Avatar:        doc.String("avatar"),
		Category:      doc.String("category"),
		Description:   doc.String("description"),
		Members:       members,
		CreatedAt:     doc.Time("createdAt"),
		CreatedBy:     doc.String("createdBy"),
		CreatedByName: doc.String("createdByName"),
		IsActive:      active,
		Rules:         stringsOf(doc["rules"]),
		Tags:          stringsOf(doc["tags"]),
	}
}

// stringsOf reads a string list as stored in memory ([]string) or decoded
// from JSON ([]interface{}).
func stringsOf(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Member is a room-side membership record.
type Member struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	UserEmail string    `json:"userEmail,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Membership is a user-side membership record.
type Membership struct {
	RoomID   string    `json:"roomId"`
	RoomName string    `json:"communityName"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Room returns the room with the given id or docstore.ErrNotFound.
func (l *Ledger) Room(ctx context.Context, roomID string) (Room, error) {
	doc, err := l.store.Get(ctx, RoomPath(roomID))
	if err != nil {
		return Room{}, fmt.Errorf("membership: room %s: %w", roomID, err)
	}
	return roomFromDoc(roomID, doc), nil
}

// IsMember reports whether userID has a membership record in roomID.
func (l *Ledger) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	_, err := l.store.Get(ctx, MemberPath(roomID, userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) lister() (docstore.Lister, error) {
	lst, ok := l.store.(docstore.Lister)
	if !ok {
		return nil, errors.New("membership: store cannot list collections")
	}
	return lst, nil
}

// Members returns the room's membership records ordered by user id.
func (l *Ledger) Members(ctx context.Context, roomID string) ([]Member, error) {
	lst, err := l.lister()
	if err != nil {
		return nil, err
	}
	ids, err := lst.List(ctx, docstore.Join(MembersCollection, roomID))
	if err != nil {
		return nil, fmt.Errorf("membership: members %s: %w", roomID, err)
	}
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		doc, err := l.store.Get(ctx, MemberPath(roomID, id))
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("membership: members %s: %w", roomID, err)
		}
		out = append(out, Member{
			UserID:    id,
			UserName:  doc.String("userName"),
			UserEmail: doc.String("userEmail"),
			JoinedAt:  doc.Time("joinedAt"),
		})
	}
	return out, nil
}

// Memberships returns the rooms userID belongs to, ordered by room id.
func (l *Ledger) Memberships(ctx context.Context, userID string) ([]Membership, error) {
	if userID == "" {
		return nil, nil
	}
	lst, err := l.lister()
	if err != nil {
		return nil, err
	}
	ids, err := lst.List(ctx, docstore.Join(UserMembershipsCollection, userID))
	if err != nil {
		return nil, fmt.Errorf("membership: memberships %s: %w", userID, err)
	}
	out := make([]Membership, 0, len(ids))
	for _, id := range ids {
		doc, err := l.store.Get(ctx, UserMembershipPath(userID, id))
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("membership: memberships %s: %w", userID, err)
		}
		out = append(out, Membership{
			RoomID:   id,
			RoomName: doc.String("communityName"),
			JoinedAt: doc.Time("joinedAt"),
		})
	}
	return out, nil
}

// Sort orders a room listing.
type Sort int

const (
	SortByID Sort = iota
	SortByMembers
	SortByNewest
	SortByName
)

// ParseSort maps "members", "newest" and "alphabetical"/"name" to a Sort.
// Anything else sorts by id.
func ParseSort(s string) Sort {
	switch strings.ToLower(s) {
	case "members":
		return SortByMembers
	case "newest":
		return SortByNewest
	case "alphabetical", "name":
		return SortByName
	default:
		return SortByID
	}
}

// RoomQuery filters and orders Rooms.
type RoomQuery struct {
	Search   string // case-insensitive match on name, description or category
	Category string // exact category; empty or "All" matches every room
	Sort     Sort
}

func (q RoomQuery) match(r Room) bool {
	if q.Category != "" && q.Category != "All" && r.Category != q.Category {
		return false
	}
	s := strings.ToLower(strings.TrimSpace(q.Search))
	if s == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Name), s) ||
		strings.Contains(strings.ToLower(r.Description), s) ||
		strings.Contains(strings.ToLower(r.Category), s)
}

// Rooms lists rooms matching q.
func (l *Ledger) Rooms(ctx context.Context, q RoomQuery) ([]Room, error) {
	lst, err := l.lister()
	if err != nil {
		return nil, err
	}
	ids, err := lst.List(ctx, RoomsCollection)
	if err != nil {
		return nil, fmt.Errorf("membership: rooms: %w", err)
	}

	rooms := make([]Room, 0, len(ids))
	for _, id := range ids {
		doc, err := l.store.Get(ctx, RoomPath(id))
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("membership: rooms: %w", err)
		}
		if r := roomFromDoc(id, doc); q.match(r) {
			rooms = append(rooms, r)
		}
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i], rooms[j]
		switch q.Sort {
		case SortByMembers:
			if a.Members != b.Members {
				return a.Members > b.Members
			}
		case SortByNewest:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		case SortByName:
			an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
			if an != bn {
				return an < bn
			}
		}
		return a.ID < b.ID
	})
	return rooms, nil
}

// ---------------------------------------------------------------------------
// Watches
// ---------------------------------------------------------------------------

// WatchRoom streams the room each time its document changes, until ctx is
// done or the room is removed.
func (l *Ledger) WatchRoom(ctx context.Context, roomID string) (<-chan Room, error) {
	changes, err := l.store.Subscribe(ctx, RoomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("membership: watch room %s: %w", roomID, err)
	}
	out := make(chan Room, 1)
	go func() {
		defer close(out)
		for c := range changes {
			if c.Path != RoomPath(roomID) {
				continue
			}
			if c.Removed {
				return
			}
			select {
			case out <- roomFromDoc(roomID, c.Doc):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchMemberships streams the sorted ids of the rooms userID belongs to:
// first the current set, then the full set again after every change.
func (l *Ledger) WatchMemberships(ctx context.Context, userID string) (<-chan []string, error) {
	if userID == "" {
		return nil, fmt.Errorf("membership: watch memberships: empty user id")
	}
	collection := docstore.Join(UserMembershipsCollection, userID)
	changes, err := l.store.Subscribe(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("membership: watch memberships %s: %w", userID, err)
	}
	current, err := l.Memberships(ctx, userID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(current))
	for _, m := range current {
		set[m.RoomID] = struct{}{}
	}
	snapshot := func() []string {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids
	}

	out := make(chan []string, 1)
	out <- snapshot()
	go func() {
		defer close(out)
		for c := range changes {
			parent, roomID := docstore.Split(c.Path)
			if parent != collection {
				continue
			}
			if c.Removed {
				delete(set, roomID)
			} else {
				set[roomID] = struct{}{}
			}
			select {
			case out <- snapshot():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// CounterDrift is the difference between a room's stored member-count and
// its membership records, as observed by Reconcile. It is a report, not an
// error.
type CounterDrift struct {
	RoomID string
	Stored int64
	Actual int64
}

// Delta is Stored minus Actual: positive when the count is too high.
func (d CounterDrift) Delta() int64 {
	return d.Stored - d.Actual
}

// Drifted reports whether the stored count was wrong.
func (d CounterDrift) Drifted() bool {
	return d.Stored != d.Actual
}

// Reconcile recounts the room's membership records and rewrites its
// member-count when it differs. Writes racing with Reconcile can still leave
// a small drift behind.
func (l *Ledger) Reconcile(ctx context.Context, roomID string) (drift CounterDrift, err error) {
	defer func() { metrics.MembershipOps.WithLabelValues("reconcile", metrics.Result(err)).Inc() }()

	lst, err := l.lister()
	if err != nil {
		return CounterDrift{}, err
	}
	doc, err := l.store.Get(ctx, RoomPath(roomID))
	if err != nil {
		return CounterDrift{}, fmt.Errorf("membership: reconcile %s: %w", roomID, err)
	}
	ids, err := lst.List(ctx, docstore.Join(MembersCollection, roomID))
	if err != nil {
		return CounterDrift{}, fmt.Errorf("membership: reconcile %s: %w", roomID, err)
	}

	drift = CounterDrift{RoomID: roomID, Stored: doc.Int(membersField), Actual: int64(len(ids))}
	delta := drift.Delta()
	if delta < 0 {
		delta = -delta
	}
	metrics.CounterDrift.Observe(float64(delta))

	if !drift.Drifted() {
		return drift, nil
	}
	if err := l.store.Update(ctx, RoomPath(roomID), docstore.Doc{membersField: drift.Actual}); err != nil {
		return drift, fmt.Errorf("membership: reconcile %s: %w", roomID, err)
	}
	log.Printf("[membership] reconciled room=%s stored=%d actual=%d", roomID, drift.Stored, drift.Actual)
	return drift, nil
}
