package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blitzboard/blitzboard/internal/domain"
	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type scoreKey struct {
	gameID   string
	playerID string
}

// scoreShard guards the records and memberships whose key hashes to it.
// Its lock is held across the read-compare-write of a submission.
type scoreShard struct {
	mu      sync.RWMutex
	records map[scoreKey]domain.ScoreRecord
	members map[scoreKey]time.Time
}

// rankEntry is the part of a record that decides its position in a game
type rankEntry struct {
	hidden float64
	seq    uint64
}

func entryOf(rec domain.ScoreRecord) rankEntry {
	return rankEntry{hidden: rec.HiddenScore, seq: rec.Sequence}
}

func compareRank(a, b rankEntry) int {
	if c := cmp.Compare(a.hidden, b.hidden); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// rankIndex holds one game's entries sorted ascending by (hidden, seq).
// It is only modified while the shard lock of the affected key is held.
type rankIndex struct {
	mu      sync.RWMutex
	entries []rankEntry
}

func (ix *rankIndex) replace(old *rankEntry, e rankEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old != nil {
		ix.deleteLocked(*old)
	}
	i, _ := slices.BinarySearchFunc(ix.entries, e, compareRank)
	ix.entries = slices.Insert(ix.entries, i, e)
}

func (ix *rankIndex) remove(e rankEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.deleteLocked(e)
}

func (ix *rankIndex) deleteLocked(e rankEntry) {
	if i, found := slices.BinarySearchFunc(ix.entries, e, compareRank); found {
		ix.entries = slices.Delete(ix.entries, i, i+1)
	}
}

// countAhead counts the entries that rank strictly ahead of e
func (ix *rankIndex) countAhead(e rankEntry, keepLower, allowTies bool) int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.entries)
	lo := sort.Search(n, func(i int) bool { return ix.entries[i].hidden >= e.hidden })
	hi := sort.Search(n, func(i int) bool { return ix.entries[i].hidden > e.hidden })

	ahead := n - hi
	if keepLower {
		ahead = lo
	}
	if !allowTies {
		// equal scores submitted earlier
		mid := sort.Search(n, func(i int) bool { return compareRank(ix.entries[i], e) >= 0 })
		ahead += mid - lo
	}
	return int64(ahead)
}

// MemoryStore is a non-durable Store. Score records are spread over
// independently locked shards so submissions for different keys do not
// contend. The catalog lock is taken for reading by submissions and for
// writing by cascading deletes, so a cascade never interleaves with a
// write to the game or player being removed.
//
// Each game also keeps a sorted rank index so rank lookups do not scan the
// game's records. Lock order is catalog, shard, index.
type MemoryStore struct {
	catalogMu sync.RWMutex
	games     map[string]domain.Game
	players   map[string]domain.Player

	shards [shardCount]*scoreShard
	seq    atomic.Uint64
	now    func() time.Time

	indexMu sync.Mutex
	indexes map[string]*rankIndex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		games:   make(map[string]domain.Game),
		players: make(map[string]domain.Player),
		now:     time.Now,
		indexes: make(map[string]*rankIndex),
	}
	for i := range s.shards {
		s.shards[i] = &scoreShard{
			records: make(map[scoreKey]domain.ScoreRecord),
			members: make(map[scoreKey]time.Time),
		}
	}
	return s
}

// Close releases the store. The in-memory store holds no external resources.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) shard(key scoreKey) *scoreShard {
	h := xxhash.Sum64String(key.gameID + "\x00" + key.playerID)
	return s.shards[h%shardCount]
}

// index returns the rank index of a game, creating it when create is set.
// It returns nil for a game without an index when create is false.
func (s *MemoryStore) index(gameID string, create bool) *rankIndex {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	ix, ok := s.indexes[gameID]
	if !ok && create {
		ix = &rankIndex{}
		s.indexes[gameID] = ix
	}
	return ix
}

// CreateGame stores a new game
func (s *MemoryStore) CreateGame(_ context.Context, game domain.Game) error {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	if _, exists := s.games[game.ID]; exists {
		return domain.ErrGameExists
	}
	s.games[game.ID] = game
	return nil
}

// GetGame returns a game by ID
func (s *MemoryStore) GetGame(_ context.Context, gameID string) (*domain.Game, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()

	game, ok := s.games[gameID]
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	return &game, nil
}

// ListGames returns all games ordered by creation time
func (s *MemoryStore) ListGames(_ context.Context) ([]domain.Game, error) {
	s.catalogMu.RLock()
	games := slices.Collect(maps.Values(s.games))
	s.catalogMu.RUnlock()

	slices.SortFunc(games, func(a, b domain.Game) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return games, nil
}

// UpdateGame replaces the name and template of an existing game
func (s *MemoryStore) UpdateGame(_ context.Context, game domain.Game) error {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	current, ok := s.games[game.ID]
	if !ok {
		return domain.ErrGameNotFound
	}
	current.Name = game.Name
	current.Template = game.Template
	current.UpdatedAt = game.UpdatedAt
	s.games[game.ID] = current
	return nil
}

// DeleteGame removes a game and everything recorded against it
func (s *MemoryStore) DeleteGame(_ context.Context, gameID string) error {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	if _, ok := s.games[gameID]; !ok {
		return domain.ErrGameNotFound
	}
	delete(s.games, gameID)
	s.purge(func(k scoreKey) bool { return k.gameID == gameID }, true)

	s.indexMu.Lock()
	delete(s.indexes, gameID)
	s.indexMu.Unlock()
	return nil
}

// CreatePlayer stores a new player
func (s *MemoryStore) CreatePlayer(_ context.Context, player domain.Player) error {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	if _, exists := s.players[player.ID]; exists {
		return domain.ErrPlayerExists
	}
	s.players[player.ID] = player
	return nil
}

// GetPlayer returns a player by ID
func (s *MemoryStore) GetPlayer(_ context.Context, playerID string) (*domain.Player, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()

	player, ok := s.players[playerID]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	return &player, nil
}

// ListPlayers returns all players ordered by creation time
func (s *MemoryStore) ListPlayers(_ context.Context) ([]domain.Player, error) {
	s.catalogMu.RLock()
	players := slices.Collect(maps.Values(s.players))
	s.catalogMu.RUnlock()

	slices.SortFunc(players, func(a, b domain.Player) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return players, nil
}

// RenamePlayer changes a player's display name
func (s *MemoryStore) RenamePlayer(_ context.Context, playerID, name string) error {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	player, ok := s.players[playerID]
	if !ok {
		return domain.ErrPlayerNotFound
	}
	player.Name = name
	s.players[playerID] = player
	return nil
}

// DeletePlayer removes a player and everything recorded against it
func (s *MemoryStore) DeletePlayer(_ context.Context, playerID string) error {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	if _, ok := s.players[playerID]; !ok {
		return domain.ErrPlayerNotFound
	}
	delete(s.players, playerID)
	s.purge(func(k scoreKey) bool { return k.playerID == playerID }, true)
	return nil
}

// SubmitScore applies the best-score update policy for one key. A created
// or updated record also records the membership under the same shard lock.
func (s *MemoryStore) SubmitScore(_ context.Context, rec domain.ScoreRecord, keepLower bool) (domain.SubmitStatus, *domain.ScoreRecord, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()

	if _, ok := s.games[rec.GameID]; !ok {
		return "", nil, domain.ErrGameNotFound
	}
	if _, ok := s.players[rec.PlayerID]; !ok {
		return "", nil, domain.ErrPlayerNotFound
	}

	key := scoreKey{gameID: rec.GameID, playerID: rec.PlayerID}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	current, exists := sh.records[key]
	if !exists {
		rec.Attributes = maps.Clone(rec.Attributes)
		rec.Sequence = s.seq.Add(1)
		rec.CreatedAt = now
		rec.UpdatedAt = now
		sh.records[key] = rec
		s.index(rec.GameID, true).replace(nil, entryOf(rec))
		sh.join(key, now)
		return domain.SubmitCreated, &rec, nil
	}

	better := rec.HiddenScore > current.HiddenScore
	if keepLower {
		better = rec.HiddenScore < current.HiddenScore
	}
	if !better {
		return domain.SubmitUnchanged, &current, nil
	}

	old := entryOf(current)
	current.Attributes = maps.Clone(rec.Attributes)
	current.HiddenScore = rec.HiddenScore
	current.Sequence = s.seq.Add(1)
	current.UpdatedAt = now
	sh.records[key] = current
	s.index(rec.GameID, true).replace(&old, entryOf(current))
	sh.join(key, now)
	return domain.SubmitUpdated, &current, nil
}

// GetScore returns the stored record for a key
func (s *MemoryStore) GetScore(_ context.Context, gameID, playerID string) (*domain.ScoreRecord, error) {
	key := scoreKey{gameID: gameID, playerID: playerID}
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[key]
	if !ok {
		return nil, domain.ErrScoreNotFound
	}
	return &rec, nil
}

// ListScoresForGame returns every record of a game in no particular order
func (s *MemoryStore) ListScoresForGame(_ context.Context, gameID string) ([]domain.ScoreRecord, error) {
	return s.collect(func(k scoreKey) bool { return k.gameID == gameID }), nil
}

// ListScoresForPlayer returns every record of a player ordered by game ID
func (s *MemoryStore) ListScoresForPlayer(_ context.Context, playerID string) ([]domain.ScoreRecord, error) {
	recs := s.collect(func(k scoreKey) bool { return k.playerID == playerID })
	slices.SortFunc(recs, func(a, b domain.ScoreRecord) int {
		return cmp.Compare(a.GameID, b.GameID)
	})
	return recs, nil
}

// DeleteScore removes one record
func (s *MemoryStore) DeleteScore(_ context.Context, gameID, playerID string) (bool, error) {
	key := scoreKey{gameID: gameID, playerID: playerID}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return false, nil
	}
	delete(sh.records, key)
	if ix := s.index(gameID, false); ix != nil {
		ix.remove(entryOf(rec))
	}
	return true, nil
}

// CountAhead counts the records of rec's game that rank strictly ahead of it
func (s *MemoryStore) CountAhead(_ context.Context, rec domain.ScoreRecord, keepLower, allowTies bool) (int64, error) {
	ix := s.index(rec.GameID, false)
	if ix == nil {
		return 0, nil
	}
	return ix.countAhead(entryOf(rec), keepLower, allowTies), nil
}

// DeleteScoresForGame removes every record of a game, keeping memberships
func (s *MemoryStore) DeleteScoresForGame(_ context.Context, gameID string) (int64, error) {
	return s.purge(func(k scoreKey) bool { return k.gameID == gameID }, false), nil
}

// DeleteScoresForPlayer removes every record of a player, keeping memberships
func (s *MemoryStore) DeleteScoresForPlayer(_ context.Context, playerID string) (int64, error) {
	return s.purge(func(k scoreKey) bool { return k.playerID == playerID }, false), nil
}

// EnsureMembership records that the player has scored in the game
func (s *MemoryStore) EnsureMembership(_ context.Context, gameID, playerID string) error {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()

	if _, ok := s.games[gameID]; !ok {
		return domain.ErrGameNotFound
	}
	if _, ok := s.players[playerID]; !ok {
		return domain.ErrPlayerNotFound
	}

	key := scoreKey{gameID: gameID, playerID: playerID}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.join(key, s.now())
	return nil
}

// join records a membership if absent. The shard lock must be held.
func (sh *scoreShard) join(key scoreKey, at time.Time) {
	if _, ok := sh.members[key]; !ok {
		sh.members[key] = at
	}
}

// GamesForPlayer lists the games a player has ever scored in, ordered by ID
func (s *MemoryStore) GamesForPlayer(_ context.Context, playerID string) ([]string, error) {
	var games []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.members {
			if k.playerID == playerID {
				games = append(games, k.gameID)
			}
		}
		sh.mu.RUnlock()
	}
	slices.Sort(games)
	return games, nil
}

func (s *MemoryStore) collect(match func(scoreKey) bool) []domain.ScoreRecord {
	var recs []domain.ScoreRecord
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, rec := range sh.records {
			if match(k) {
				recs = append(recs, rec)
			}
		}
		sh.mu.RUnlock()
	}
	return recs
}

// purge deletes matching records, and memberships too when withMembers is set
func (s *MemoryStore) purge(match func(scoreKey) bool, withMembers bool) int64 {
	var removed int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.records {
			if match(k) {
				delete(sh.records, k)
				if ix := s.index(k.gameID, false); ix != nil {
					ix.remove(entryOf(rec))
				}
				removed++
			}
		}
		if withMembers {
			for k := range sh.members {
				if match(k) {
					delete(sh.members, k)
				}
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
