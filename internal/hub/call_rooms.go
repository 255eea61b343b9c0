package hub

import "sync"

// callRoom is the in-memory membership of one live call. The ended flag makes
// the last-leave transition fire exactly once even when leaves race.
type callRoom struct {
	mu      sync.Mutex
	members map[string]struct{}
	ended   bool
}

// roomSet tracks every live call room plus a reverse index from user to the
// calls they are in, so disconnect handling never scans all rooms.
type roomSet struct {
	mu        sync.RWMutex
	rooms     map[string]*callRoom          // callID -> room
	userCalls map[string]map[string]struct{} // userID -> set of callIDs
}

func newRoomSet() *roomSet {
	return &roomSet{
		rooms:     make(map[string]*callRoom),
		userCalls: make(map[string]map[string]struct{}),
	}
}

// Create registers an empty room for a new call.
func (s *roomSet) Create(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[callID]; !ok {
		s.rooms[callID] = &callRoom{members: make(map[string]struct{})}
	}
}

func (s *roomSet) get(callID string) *callRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[callID]
}

// Join adds the user to the room. Returns false when the room is unknown or
// already ended.
func (s *roomSet) Join(callID, userID string) bool {
	room := s.get(callID)
	if room == nil {
		return false
	}

	room.mu.Lock()
	if room.ended {
		room.mu.Unlock()
		return false
	}
	room.members[userID] = struct{}{}
	room.mu.Unlock()

	s.mu.Lock()
	calls, ok := s.userCalls[userID]
	if !ok {
		calls = make(map[string]struct{})
		s.userCalls[userID] = calls
	}
	calls[callID] = struct{}{}
	s.mu.Unlock()
	return true
}

// Leave removes the user and reports (wasMember, last). last is true for
// exactly one caller: the one whose leave emptied the room. That caller owns
// the terminal transition.
func (s *roomSet) Leave(callID, userID string) (bool, bool) {
	room := s.get(callID)
	if room == nil {
		return false, false
	}

	room.mu.Lock()
	_, wasMember := room.members[userID]
	if !wasMember {
		room.mu.Unlock()
		return false, false
	}
	delete(room.members, userID)
	last := len(room.members) == 0 && !room.ended
	if last {
		room.ended = true
	}
	room.mu.Unlock()

	s.unindex(callID, userID)
	if last {
		s.drop(callID)
	}
	return true, last
}

// Members returns a snapshot of the room's membership.
func (s *roomSet) Members(callID string) []string {
	room := s.get(callID)
	if room == nil {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	members := make([]string, 0, len(room.members))
	for id := range room.members {
		members = append(members, id)
	}
	return members
}

// IsMember reports current room membership.
func (s *roomSet) IsMember(callID, userID string) bool {
	room := s.get(callID)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	_, ok := room.members[userID]
	return ok
}

// CallsOf returns the ids of every call the user is currently a member of.
func (s *roomSet) CallsOf(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	calls := s.userCalls[userID]
	ids := make([]string, 0, len(calls))
	for id := range calls {
		ids = append(ids, id)
	}
	return ids
}

// Evict marks the room ended and clears it, returning the members that were
// still inside. Used for call:end and janitor reaping, where the terminal
// transition is decided elsewhere.
func (s *roomSet) Evict(callID string) []string {
	room := s.get(callID)
	if room == nil {
		return nil
	}

	room.mu.Lock()
	if room.ended {
		room.mu.Unlock()
		return nil
	}
	room.ended = true
	members := make([]string, 0, len(room.members))
	for id := range room.members {
		members = append(members, id)
	}
	room.members = make(map[string]struct{})
	room.mu.Unlock()

	for _, id := range members {
		s.unindex(callID, id)
	}
	s.drop(callID)
	return members
}

func (s *roomSet) unindex(callID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if calls, ok := s.userCalls[userID]; ok {
		delete(calls, callID)
		if len(calls) == 0 {
			delete(s.userCalls, userID)
		}
	}
}

func (s *roomSet) drop(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, callID)
}
