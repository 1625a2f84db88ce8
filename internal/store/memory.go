package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"oathboard/api/internal/util"
)

// MemoryStore keeps every record in process memory. It mirrors the
// PostgresStore contract and backs tests and the in-memory dev mode.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	sessions map[string]*PairSession
	rounds   map[string]map[int]*Round
	messages map[string][]Message

	users         map[string]*User
	usersByEmail  map[string]string
	links         map[string]*MagicLink
	refresh       map[string]refreshEntry
	profiles      map[string]*Profile
	profileByUser map[string]string
	witnesses     map[string][]Witness
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           func() time.Time { return time.Now().UTC() },
		sessions:      make(map[string]*PairSession),
		rounds:        make(map[string]map[int]*Round),
		messages:      make(map[string][]Message),
		users:         make(map[string]*User),
		usersByEmail:  make(map[string]string),
		links:         make(map[string]*MagicLink),
		refresh:       make(map[string]refreshEntry),
		profiles:      make(map[string]*Profile),
		profileByUser: make(map[string]string),
		witnesses:     make(map[string][]Witness),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) InsertSession(_ context.Context, item PairSession) (PairSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[item.ID]; exists {
		return PairSession{}, fmt.Errorf("insert session: duplicate id %s", item.ID)
	}
	for _, existing := range s.sessions {
		if existing.Open() && existing.JoinCode == item.JoinCode {
			return PairSession{}, ErrCodeTaken
		}
	}
	if len(item.State) == 0 {
		item.State = json.RawMessage(`{}`)
	}
	if item.Status == "" {
		item.Status = StatusWaiting
	}
	now := s.now()
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	item.JoinerName = nil
	item.EndReason = nil
	item.EndedAt = nil
	stored := item.Clone()
	s.sessions[item.ID] = &stored
	return stored.Clone(), nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (PairSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.sessions[id]
	if !ok {
		return PairSession{}, sql.ErrNoRows
	}
	return item.Clone(), nil
}

func (s *MemoryStore) FindOpenSessionByCode(_ context.Context, code string) (PairSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.sessions {
		if item.Open() && item.JoinCode == code {
			return item.Clone(), nil
		}
	}
	return PairSession{}, sql.ErrNoRows
}

func (s *MemoryStore) AttachJoiner(_ context.Context, id, joinerName string) (PairSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.sessions[id]
	if !ok {
		return PairSession{}, sql.ErrNoRows
	}
	if item.JoinerName != nil || item.Status != StatusWaiting {
		return PairSession{}, ErrSessionFull
	}
	name := joinerName
	item.JoinerName = &name
	item.Status = StatusActive
	s.touch(item)
	return item.Clone(), nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, id string, update StateUpdate) (PairSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.sessions[id]
	if !ok {
		return PairSession{}, sql.ErrNoRows
	}
	if !item.Open() {
		return PairSession{}, ErrSessionClosed
	}
	if update.ExpectVersion != 0 && item.Version != update.ExpectVersion {
		return PairSession{}, ErrVersionConflict
	}
	next := update.State
	if len(next) == 0 {
		next = json.RawMessage(`{}`)
	}
	if update.Merge {
		merged, err := mergeObjects(item.State, next)
		if err != nil {
			return PairSession{}, fmt.Errorf("update session state: %w", err)
		}
		next = merged
	}
	item.State = append(json.RawMessage(nil), next...)
	if update.Status != "" {
		item.Status = update.Status
	}
	s.touch(item)
	return item.Clone(), nil
}

func (s *MemoryStore) EndSession(_ context.Context, id, reason string) (PairSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.sessions[id]
	if !ok {
		return PairSession{}, false, sql.ErrNoRows
	}
	if !item.Open() {
		return item.Clone(), false, nil
	}
	now := s.now()
	r := reason
	item.Status = StatusEnded
	item.EndReason = &r
	item.EndedAt = &now
	s.touch(item)
	return item.Clone(), true, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.sessions, id)
	delete(s.rounds, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) touch(item *PairSession) {
	item.Version++
	item.UpdatedAt = s.now()
}

// mergeObjects overlays the top-level keys of patch onto base, the way the
// jsonb || operator does for two objects.
func mergeObjects(base, patch json.RawMessage) (json.RawMessage, error) {
	current := map[string]json.RawMessage{}
	if trimmed := strings.TrimSpace(string(base)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(base, &current); err != nil {
			return nil, fmt.Errorf("stored state is not an object: %w", err)
		}
	}
	overlay := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, fmt.Errorf("patch is not an object: %w", err)
	}
	for key, value := range overlay {
		current[key] = value
	}
	return json.Marshal(current)
}

func (s *MemoryStore) InsertRound(_ context.Context, item Round) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[item.SessionID]; !ok {
		return Round{}, fmt.Errorf("insert round: unknown session %s", item.SessionID)
	}
	bySession := s.rounds[item.SessionID]
	if bySession == nil {
		bySession = make(map[int]*Round)
		s.rounds[item.SessionID] = bySession
	}
	if _, exists := bySession[item.Number]; exists {
		return Round{}, ErrRoundExists
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	stored := item
	bySession[item.Number] = &stored
	return stored, nil
}

func (s *MemoryStore) UpdateRound(_ context.Context, item Round) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rounds[item.SessionID][item.Number]
	if !ok {
		return Round{}, sql.ErrNoRows
	}
	stored.SpeakerRating = item.SpeakerRating
	if item.ListenerRating > 0 {
		stored.ListenerRating = item.ListenerRating
	}
	if item.Correction != "" {
		stored.Correction = item.Correction
	}
	stored.Status = item.Status
	if item.Position != "" {
		stored.Position = item.Position
	}
	stored.UpdatedAt = s.now()
	return *stored, nil
}

func (s *MemoryStore) ListRounds(_ context.Context, sessionID string) ([]Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Round, 0, len(s.rounds[sessionID]))
	for _, item := range s.rounds[sessionID] {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Number < items[j].Number })
	return items, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, item Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[item.SessionID]; !ok {
		return Message{}, fmt.Errorf("insert message: unknown session %s", item.SessionID)
	}
	item.CreatedAt = s.now()
	s.messages[item.SessionID] = append(s.messages[item.SessionID], item)
	return item, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[sessionID]
	if limit <= 0 {
		limit = 200
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append(make([]Message, 0, len(all)), all...), nil
}

func (s *MemoryStore) EnsureUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.usersByEmail[email]; ok {
		user := s.users[id]
		user.LastSignInAt = &now
		return *user, nil
	}
	user := &User{ID: util.NewID("usr"), Email: email, CreatedAt: now, LastSignInAt: &now}
	s.users[user.ID] = user
	s.usersByEmail[email] = user.ID
	return *user, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return *user, nil
}

func (s *MemoryStore) InsertMagicLink(_ context.Context, link MagicLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.links[link.ID]; exists {
		return fmt.Errorf("insert magic link: duplicate id %s", link.ID)
	}
	link.CreatedAt = s.now()
	s.links[link.ID] = &link
	return nil
}

func (s *MemoryStore) GetMagicLink(_ context.Context, id string) (MagicLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[id]
	if !ok {
		return MagicLink{}, sql.ErrNoRows
	}
	return *link, nil
}

func (s *MemoryStore) MarkMagicLinkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok || link.UsedAt != nil {
		return ErrLinkUsed
	}
	now := s.now()
	link.UsedAt = &now
	return nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh[tokenHash] = refreshEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refresh[tokenHash]
	if !ok || entry.revoked || !entry.expiresAt.After(s.now()) {
		return User{}, sql.ErrNoRows
	}
	user, ok := s.users[entry.userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return *user, nil
}

func (s *MemoryStore) RotateRefreshSession(_ context.Context, oldHash, newHash string, expiresAt time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.refresh[oldHash]
	if !ok || entry.revoked || !entry.expiresAt.After(s.now()) {
		return User{}, sql.ErrNoRows
	}
	user, ok := s.users[entry.userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	entry.revoked = true
	s.refresh[oldHash] = entry
	s.refresh[newHash] = refreshEntry{userID: entry.userID, expiresAt: expiresAt}
	return *user, nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.refresh[tokenHash]; ok {
		entry.revoked = true
		s.refresh[tokenHash] = entry
	}
	return nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, item Profile) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.profileByUser[item.UserID]; ok {
		existing := s.profiles[id]
		existing.DisplayName = item.DisplayName
		existing.Pledge = item.Pledge
		existing.Bio = item.Bio
		existing.UpdatedAt = now
		return *existing, nil
	}
	for _, existing := range s.profiles {
		if existing.Slug == item.Slug {
			return Profile{}, ErrSlugTaken
		}
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	stored := item
	s.profiles[item.ID] = &stored
	s.profileByUser[item.UserID] = item.ID
	return stored, nil
}

func (s *MemoryStore) GetProfileBySlug(_ context.Context, slug string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.profiles {
		if item.Slug == slug {
			return *item, nil
		}
	}
	return Profile{}, sql.ErrNoRows
}

func (s *MemoryStore) GetProfileByUserID(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.profileByUser[userID]
	if !ok {
		return Profile{}, sql.ErrNoRows
	}
	return *s.profiles[id], nil
}

// ListProfiles returns every profile ordered by slug. The search package
// uses it when no external index is configured.
func (s *MemoryStore) ListProfiles(context.Context) ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Profile, 0, len(s.profiles))
	for _, item := range s.profiles {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Slug < items[j].Slug })
	return items, nil
}

func (s *MemoryStore) UpsertWitness(_ context.Context, item Witness) (Witness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[item.ProfileID]; !ok {
		return Witness{}, fmt.Errorf("upsert witness: unknown profile %s", item.ProfileID)
	}
	list := s.witnesses[item.ProfileID]
	for i := range list {
		if list[i].WitnessUserID == item.WitnessUserID {
			list[i].WitnessName = item.WitnessName
			list[i].Note = item.Note
			return list[i], nil
		}
	}
	item.CreatedAt = s.now()
	s.witnesses[item.ProfileID] = append(list, item)
	return item, nil
}

func (s *MemoryStore) ListWitnesses(_ context.Context, profileID string) ([]Witness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append(make([]Witness, 0, len(s.witnesses[profileID])), s.witnesses[profileID]...), nil
}

func (s *MemoryStore) CountWitnesses(_ context.Context, profileID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.witnesses[profileID]), nil
}
