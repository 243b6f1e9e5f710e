package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalmind/roomchat/internal/chaterr"
	"github.com/legalmind/roomchat/internal/clock"
	"github.com/legalmind/roomchat/internal/docstore"
)

var (
	alice = User{ID: "u-alice", Name: "Alice", Email: "alice@example.com"}
	bob   = User{ID: "u-bob", Email: "bob@example.com"}
)

func newTestLedger(t *testing.T, mode CounterMode) (*Ledger, *docstore.Memory) {
	t.Helper()
	store := docstore.NewMemory(clock.NewFake(time.UnixMilli(1_700_000_000_000)))
	return New(store, Config{Counter: mode}), store
}

func seedRoom(t *testing.T, store docstore.Store, id string, members int) {
	t.Helper()
	require.NoError(t, store.Set(context.Background(), RoomPath(id), docstore.Doc{
		"name":     "Room " + id,
		"category": "Contract",
		"members":  members,
	}))
}

func memberCount(t *testing.T, l *Ledger, id string) int64 {
	t.Helper()
	r, err := l.Room(context.Background(), id)
	require.NoError(t, err)
	return r.Members
}

// rmwOnly hides the Incrementer and Lister capabilities of the wrapped store.
type rmwOnly struct {
	docstore.Store
}

func TestCounterModeSelection(t *testing.T) {
	mem := docstore.NewMemory(nil)

	assert.Equal(t, CounterAtomic, New(mem, DefaultConfig()).Counter())
	assert.Equal(t, CounterReadModifyWrite, New(mem, Config{Counter: CounterReadModifyWrite}).Counter())
	assert.Equal(t, CounterReadModifyWrite, New(rmwOnly{mem}, DefaultConfig()).Counter())
	assert.Equal(t, CounterReadModifyWrite, New(rmwOnly{mem}, Config{Counter: CounterAtomic}).Counter())
}

func TestOperationsRequireIdentity(t *testing.T) {
	l, store := newTestLedger(t, CounterAuto)
	seedRoom(t, store, "r1", 0)
	ctx := context.Background()

	err := l.Join(ctx, "r1", User{})
	require.True(t, errors.Is(err, chaterr.ErrNotAuthenticated), "join: %v", err)

	err = l.Leave(ctx, "r1", User{Name: "nobody"})
	require.True(t, errors.Is(err, chaterr.ErrNotAuthenticated), "leave: %v", err)

	_, err = l.CreateRoom(ctx, RoomMeta{Name: "x"}, User{})
	require.True(t, errors.Is(err, chaterr.ErrNotAuthenticated), "create: %v", err)

	assert.Equal(t, int64(0), memberCount(t, l, "r1"))
	assert.Equal(t, 1, store.Len(), "nothing but the room should be written")
}

func TestJoinWritesBothRecords(t *testing.T) {
	l, store := newTestLedger(t, CounterAuto)
	seedRoom(t, store, "r1", 4)
	ctx := context.Background()

	require.NoError(t, l.Join(ctx, "r1", bob))

	member, err := store.Get(ctx, MemberPath("r1", bob.ID))
	require.NoError(t, err)
	assert.Equal(t, bob.ID, member.String("userId"))
	assert.Equal(t, "bob@example.com", member.String("userName"), "name falls back to email")
	assert.Equal(t, "bob@example.com", member.String("userEmail"))
	assert.Equal(t, int64(1_700_000_000_000), member.Int("joinedAt"))

	mine, err := store.Get(ctx, UserMembershipPath(bob.ID, "r1"))
	require.NoError(t, err)
	assert.Equal(t, "Room r1", mine.String("communityName"))

	ok, err := l.IsMember(ctx, "r1", bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), memberCount(t, l, "r1"))
}

func TestJoinThenLeaveRestoresCount(t *testing.T) {
	for _, mode := range []CounterMode{CounterReadModifyWrite, CounterAtomic} {
		t.Run(mode.String(), func(t *testing.T) {
			l, store := newTestLedger(t, mode)
			seedRoom(t, store, "r1", 7)
			ctx := context.Background()

			require.NoError(t, l.Join(ctx, "r1", alice))
			assert.Equal(t, int64(8), memberCount(t, l, "r1"))

			require.NoError(t, l.Leave(ctx, "r1", alice))
			assert.Equal(t, int64(7), memberCount(t, l, "r1"))

			ok, err := l.IsMember(ctx, "r1", alice.ID)
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = store.Get(ctx, UserMembershipPath(alice.ID, "r1"))
			assert.ErrorIs(t, err, docstore.ErrNotFound)
		})
	}
}

func TestRepeatedJoinAndLeaveCountOnce(t *testing.T) {
	l, store := newTestLedger(t, CounterAuto)
	seedRoom(t, store, "r1", 0)
	ctx := context.Background()

	require.NoError(t, l.Join(ctx, "r1", alice))
	require.NoError(t, l.Join(ctx, "r1", alice))
	assert.Equal(t, int64(1), memberCount(t, l, "r1"))

	require.NoError(t, l.Leave(ctx, "r1", alice))
	require.NoError(t, l.Leave(ctx, "r1", alice))
	assert.Equal(t, int64(0), memberCount(t, l, "r1"))
}

func TestLeaveFloorsCountAtZero(t *testing.T) {
	for _, mode := range []CounterMode{CounterReadModifyWrite, CounterAtomic} {
		t.Run(mode.String(), func(t *testing.T) {
			l, store := newTestLedger(t, mode)
			seedRoom(t, store, "r1", 0)
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, MemberPath("r1", alice.ID), docstore.Doc{"userId": alice.ID}))

			require.NoError(t, l.Leave(ctx, "r1", alice))
			assert.Equal(t, int64(0), memberCount(t, l, "r1"))
		})
	}
}

func TestJoinMissingRoomLeavesCounterUntouched(t *testing.T) {
	for _, mode := range []CounterMode{CounterReadModifyWrite, CounterAtomic} {
		t.Run(mode.String(), func(t *testing.T) {
			l, store := newTestLedger(t, mode)
			ctx := context.Background()

			require.NoError(t, l.Join(ctx, "ghost", alice))

			_, err := store.Get(ctx, RoomPath("ghost"))
			assert.ErrorIs(t, err, docstore.ErrNotFound, "room must not be created")
			mine, err := store.Get(ctx, UserMembershipPath(alice.ID, "ghost"))
			require.NoError(t, err)
			assert.Equal(t, "Unknown", mine.String("communityName"))
		})
	}
}

func TestCreateRoom(t *testing.T) {
	l, _ := newTestLedger(t, CounterAuto)
	ctx := context.Background()

	room, err := l.CreateRoom(ctx, RoomMeta{
		Name:        "Contract Law Experts",
		Category:    "Contract",
		Description: "Clauses and agreements",
	}, alice)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(room.ID, RoomIDPrefix), "id %q", room.ID)
	assert.Equal(t, int64(1), room.Members)
	assert.Equal(t, alice.ID, room.CreatedBy)
	assert.Equal(t, "Alice", room.CreatedByName)
	assert.True(t, room.IsActive)
	assert.Equal(t, DefaultRules, room.Rules)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000), room.CreatedAt)

	members, err := l.Members(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, alice.ID, members[0].UserID)

	mine, err := l.Memberships(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, room.ID, mine[0].RoomID)
	assert.Equal(t, "Contract Law Experts", mine[0].RoomName)

	// The creator is already a member; joining again changes nothing.
	require.NoError(t, l.Join(ctx, room.ID, alice))
	assert.Equal(t, int64(1), memberCount(t, l, room.ID))

	_, err = l.CreateRoom(ctx, RoomMeta{Name: "  "}, alice)
	assert.Error(t, err)
}

func TestCreateRoomKeepsGivenRules(t *testing.T) {
	l, _ := newTestLedger(t, CounterAuto)
	room, err := l.CreateRoom(context.Background(), RoomMeta{Name: "Tax", Rules: []string{"cite sources"}}, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"cite sources"}, room.Rules)
	assert.Equal(t, "bob@example.com", room.CreatedByName)
}

// raceStore holds every write to the counted room until two writers have
// read it, forcing the lost-update interleaving.
type raceStore struct {
	docstore.Store
	path    string
	arrived sync.WaitGroup
}

func (s *raceStore) Update(ctx context.Context, path string, fields docstore.Doc) error {
	if path == s.path {
		s.arrived.Done()
		s.arrived.Wait()
	}
	return s.Store.Update(ctx, path, fields)
}

func TestReadModifyWriteCounterCanLoseUpdates(t *testing.T) {
	mem := docstore.NewMemory(nil)
	store := &raceStore{Store: mem, path: RoomPath("r1")}
	store.arrived.Add(2)
	seedRoom(t, mem, "r1", 1)
	l := New(store, Config{Counter: CounterReadModifyWrite})

	var wg sync.WaitGroup
	for _, u := range []User{alice, bob} {
		wg.Add(1)
		go func(u User) {
			defer wg.Done()
			assert.NoError(t, l.Join(context.Background(), "r1", u))
		}(u)
	}
	wg.Wait()

	doc, err := mem.Get(context.Background(), RoomPath("r1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Int("members"), "both joins read 1 and wrote 2")

	drift, err := New(mem, DefaultConfig()).Reconcile(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, CounterDrift{RoomID: "r1", Stored: 2, Actual: 2}, drift,
		"the seeded count had no record behind it, so two records remain")
}

func TestAtomicCounterUnderConcurrency(t *testing.T) {
	l, store := newTestLedger(t, CounterAtomic)
	seedRoom(t, store, "r1", 0)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Join(context.Background(), "r1", User{ID: fmt.Sprintf("u%02d", i)}))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(n), memberCount(t, l, "r1"))

	for i := 0; i < n; i += 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Leave(context.Background(), "r1", User{ID: fmt.Sprintf("u%02d", i)}))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(n/2), memberCount(t, l, "r1"))
}

func TestReconcile(t *testing.T) {
	l, store := newTestLedger(t, CounterAuto)
	seedRoom(t, store, "r1", 9)
	ctx := context.Background()
	require.NoError(t, l.Join(ctx, "r1", alice))
	require.NoError(t, l.Join(ctx, "r1", bob))

	drift, err := l.Reconcile(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, drift.Drifted())
	assert.Equal(t, int64(11), drift.Stored)
	assert.Equal(t, int64(2), drift.Actual)
	assert.Equal(t, int64(9), drift.Delta())
	assert.Equal(t, int64(2), memberCount(t, l, "r1"))

	drift, err = l.Reconcile(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, drift.Drifted())

	_, err = l.Reconcile(ctx, "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	_, err = New(rmwOnly{store}, DefaultConfig()).Reconcile(ctx, "r1")
	assert.Error(t, err, "reconcile needs a listable store")
}

func TestRoomsFilterAndSort(t *testing.T) {
	l, store := newTestLedger(t, CounterAuto)
	ctx := context.Background()
	docs := map[string]docstore.Doc{
		"a": {"name": "Tax & Finance Law", "category": "Finance", "members": 3, "createdAt": 300},
		"b": {"name": "contract law experts", "category": "Contract", "members": 10, "createdAt": 100},
		"c": {"name": "Family Law", "category": "Family", "description": "custody and contracts", "members": 5, "createdAt": 200},
	}
	for id, doc := range docs {
		require.NoError(t, store.Set(ctx, RoomPath(id), doc))
	}

	ids := func(rooms []Room) []string {
		out := make([]string, len(rooms))
		for i, r := range rooms {
			out[i] = r.ID
		}
		return out
	}

	rooms, err := l.Rooms(ctx, RoomQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(rooms))

	rooms, _ = l.Rooms(ctx, RoomQuery{Sort: ParseSort("members")})
	assert.Equal(t, []string{"b", "c", "a"}, ids(rooms))

	rooms, _ = l.Rooms(ctx, RoomQuery{Sort: ParseSort("newest")})
	assert.Equal(t, []string{"a", "c", "b"}, ids(rooms))

	rooms, _ = l.Rooms(ctx, RoomQuery{Sort: ParseSort("alphabetical")})
	assert.Equal(t, []string{"b", "c", "a"}, ids(rooms))

	rooms, _ = l.Rooms(ctx, RoomQuery{Search: "CONTRACT"})
	assert.Equal(t, []string{"b", "c"}, ids(rooms))

	rooms, _ = l.Rooms(ctx, RoomQuery{Category: "Finance"})
	assert.Equal(t, []string{"a"}, ids(rooms))

	rooms, _ = l.Rooms(ctx, RoomQuery{Category: "All"})
	assert.Len(t, rooms, 3)
}

func TestWatchRoom(t *testing.T) {
	l, store := newTestLedger(t, CounterAuto)
	seedRoom(t, store, "r1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := l.WatchRoom(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, l.Join(context.Background(), "r1", alice))

	select {
	case r := <-updates:
		assert.Equal(t, "r1", r.ID)
		assert.Equal(t, int64(1), r.Members)
	case <-time.After(time.Second):
		t.Fatal("no room update")
	}

	require.NoError(t, store.Remove(context.Background(), RoomPath("r1")))
	select {
	case _, ok := <-updates:
		assert.False(t, ok, "removal closes the watch")
	case <-time.After(time.Second):
		t.Fatal("watch not closed after removal")
	}
}

func TestWatchMemberships(t *testing.T) {
	l, store := newTestLedger(t, CounterAuto)
	seedRoom(t, store, "r1", 0)
	seedRoom(t, store, "r2", 0)
	bg := context.Background()
	require.NoError(t, l.Join(bg, "r2", alice))

	ctx, cancel := context.WithCancel(bg)
	updates, err := l.WatchMemberships(ctx, alice.ID)
	require.NoError(t, err)

	next := func() []string {
		t.Helper()
		select {
		case ids := <-updates:
			return ids
		case <-time.After(time.Second):
			t.Fatal("no membership update")
			return nil
		}
	}

	assert.Equal(t, []string{"r2"}, next())
	require.NoError(t, l.Join(bg, "r1", alice))
	assert.Equal(t, []string{"r1", "r2"}, next())
	require.NoError(t, l.Leave(bg, "r2", alice))
	assert.Equal(t, []string{"r1"}, next())

	cancel()
	for range updates {
	}

	_, err = l.WatchMemberships(bg, "")
	assert.Error(t, err)
}

func TestSeedDefaults(t *testing.T) {
	l, _ := newTestLedger(t, CounterAuto)
	ctx := context.Background()

	n, err := l.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRooms), n)

	r, err := l.Room(ctx, "community_1")
	require.NoError(t, err)
	assert.Equal(t, "Contract Law Experts", r.Name)
	assert.Equal(t, int64(0), r.Members)
	assert.Equal(t, []string{"contracts", "agreements", "legal-review"}, r.Tags)

	n, err = l.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "seeding is skipped once rooms exist")
}
