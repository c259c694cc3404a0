package dialog

import "sync"

// State identifies which input a dialog session expects next.
type State int

const (
	// StateOrgSelection waits for organization ids, "new" or "none".
	StateOrgSelection State = iota
	// StateNewOrgName waits for the name of an organization to create.
	StateNewOrgName
	// StateSignal waits for the free-text signal body.
	StateSignal
	// StateUserSelection waits for an existing user id or "new".
	StateUserSelection
	// StateNewUserName waits for the name of a user to create.
	StateNewUserName
	// StateCustomerOrgSelection waits for a customer organization id or "new".
	StateCustomerOrgSelection
	// StateNewCustomerOrgName waits for the name of a customer organization
	// to create.
	StateNewCustomerOrgName
)

// PendingSignal holds a signal typed before its author was registered. It is
// replayed, unmodified, once registration completes.
type PendingSignal struct {
	Text   string
	OrgIDs []int
}

// Session is the dialog state of one Slack user. State determines which of
// the remaining fields carry meaning: SelectedOrgIDs and CustomerOrgID are
// set by the signal flows, TeamID only by the workspace registration flow,
// and Pending only between an unregistered signal submission and the
// completion of user registration.
type Session struct {
	SubjectID      string
	ChannelID      string
	State          State
	SelectedOrgIDs []int
	CustomerOrgID  int
	Pending        *PendingSignal
	TeamID         string
}

// Store maps subject ids to their in-flight session. There is at most one
// session per subject; starting a new command replaces any previous one.
//
// A handler must hold the subject's turn lock, via Lock, for its whole
// read-compute-write turn so that concurrent deliveries for the same subject
// apply one at a time. Different subjects never contend on a turn lock.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	turns    map[string]*sync.Mutex
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		turns:    make(map[string]*sync.Mutex),
	}
}

// Lock acquires the turn lock for a subject, creating it on first use.
func (s *Store) Lock(subjectID string) {
	s.mu.Lock()
	m, ok := s.turns[subjectID]
	if !ok {
		m = &sync.Mutex{}
		s.turns[subjectID] = m
	}
	s.mu.Unlock()

	m.Lock()
}

// Unlock releases the turn lock for a subject. It must only be called after
// Lock for the same subject.
func (s *Store) Unlock(subjectID string) {
	s.mu.Lock()
	m := s.turns[subjectID]
	s.mu.Unlock()

	m.Unlock()
}

// Get returns the subject's session, if any.
func (s *Store) Get(subjectID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[subjectID]
	return sess, ok
}

// Set stores the subject's session, replacing any existing one.
func (s *Store) Set(subjectID string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[subjectID] = sess
}

// Delete removes the subject's session.
func (s *Store) Delete(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, subjectID)
}
