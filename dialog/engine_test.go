package dialog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livedb/signalbot/api"
)

type (
	userRegistration struct {
		slackID string
		userID  int
	}

	custOrgRegistration struct {
		teamID string
		orgID  int
	}

	fakeService struct {
		customerOrgID  int
		customerOrgOK  bool
		customerOrgErr error

		userID  int
		userOK  bool
		userErr error

		orgs        []api.Entity
		users       []api.Entity
		custOrgs    []api.Entity
		listOrgsErr error

		nextOrgID        int
		createOrgErr     error
		nextUserID       int
		createUserErr    error
		nextCustOrgID    int
		createCustOrgErr error

		registerUserErr    error
		registerCustOrgErr error
		signalErr          error
		signalResponse     string

		listedOrgCustIDs     []int
		listedUserCustIDs    []int
		createdOrgs          []string
		createdUsers         []string
		createdCustOrgs      []string
		userRegistrations    []userRegistration
		custOrgRegistrations []custOrgRegistration
		signals              []api.Signal
	}

	fakeMessenger struct {
		dm      string
		openErr error
		opened  []string
		posts   map[string][]string
	}
)

func (s *fakeService) CustomerOrgBySlack(ctx context.Context, teamID string) (int, bool, error) {
	return s.customerOrgID, s.customerOrgOK, s.customerOrgErr
}

func (s *fakeService) UserBySlack(ctx context.Context, subjectID string) (int, bool, error) {
	return s.userID, s.userOK, s.userErr
}

func (s *fakeService) ListCustomerOrganizations(ctx context.Context) ([]api.Entity, error) {
	return s.custOrgs, nil
}

func (s *fakeService) ListOrganizations(ctx context.Context, customerOrgID int) ([]api.Entity, error) {
	s.listedOrgCustIDs = append(s.listedOrgCustIDs, customerOrgID)
	return s.orgs, s.listOrgsErr
}

func (s *fakeService) ListUsers(ctx context.Context, customerOrgID int) ([]api.Entity, error) {
	s.listedUserCustIDs = append(s.listedUserCustIDs, customerOrgID)
	return s.users, nil
}

func (s *fakeService) CreateCustomerOrganization(ctx context.Context, name string) (int, error) {
	if s.createCustOrgErr != nil {
		return 0, s.createCustOrgErr
	}
	s.createdCustOrgs = append(s.createdCustOrgs, name)
	return s.nextCustOrgID, nil
}

func (s *fakeService) CreateOrganization(ctx context.Context, name string, customerOrgID int) (int, error) {
	if s.createOrgErr != nil {
		return 0, s.createOrgErr
	}
	s.createdOrgs = append(s.createdOrgs, name)
	return s.nextOrgID, nil
}

func (s *fakeService) CreateUser(ctx context.Context, name string, customerOrgID int) (int, error) {
	if s.createUserErr != nil {
		return 0, s.createUserErr
	}
	s.createdUsers = append(s.createdUsers, name)
	return s.nextUserID, nil
}

func (s *fakeService) RegisterCustomerOrganization(ctx context.Context, teamID string, customerOrgID int) error {
	if s.registerCustOrgErr != nil {
		return s.registerCustOrgErr
	}
	s.custOrgRegistrations = append(s.custOrgRegistrations, custOrgRegistration{teamID, customerOrgID})
	return nil
}

func (s *fakeService) RegisterUser(ctx context.Context, subjectID string, userID int) error {
	if s.registerUserErr != nil {
		return s.registerUserErr
	}
	s.userRegistrations = append(s.userRegistrations, userRegistration{subjectID, userID})
	return nil
}

func (s *fakeService) CreateSignal(ctx context.Context, sig api.Signal) (string, error) {
	if s.signalErr != nil {
		return "", s.signalErr
	}
	s.signals = append(s.signals, sig)
	return s.signalResponse, nil
}

func (m *fakeMessenger) OpenDM(ctx context.Context, subjectID string) (string, error) {
	m.opened = append(m.opened, subjectID)
	if m.openErr != nil {
		return "", m.openErr
	}
	return m.dm, nil
}

func (m *fakeMessenger) PostMessage(ctx context.Context, channelID, text string) error {
	if m.posts == nil {
		m.posts = make(map[string][]string)
	}
	m.posts[channelID] = append(m.posts[channelID], text)
	return nil
}

func (m *fakeMessenger) lastPost(t *testing.T, channelID string) string {
	t.Helper()
	msgs := m.posts[channelID]
	if len(msgs) == 0 {
		t.Fatalf("no messages posted to %s", channelID)
	}
	return msgs[len(msgs)-1]
}

func newTestEngine(svc *fakeService, msg *fakeMessenger) (*Engine, *Store) {
	store := NewStore()
	logf := func(message string, args ...interface{}) {}
	return NewEngine(svc, msg, store, logf), store
}

func TestAddSignalFlowWithUnregisteredSubject(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{
		customerOrgID:  7,
		customerOrgOK:  true,
		orgs:           []api.Entity{{ID: 1, Name: "Acme"}},
		users:          []api.Entity{{ID: 42, Name: "Jo"}},
		signalResponse: `{"signal_id": 1}`,
	}
	msg := &fakeMessenger{dm: "D1"}
	engine, store := newTestEngine(svc, msg)

	engine.StartAddSignal(ctx, "U1", "T1", "C1")

	sess, ok := store.Get("U1")
	require.True(t, ok, "session must exist after /add_signal")
	require.Equal(t, StateOrgSelection, sess.State)
	require.Equal(t, 7, sess.CustomerOrgID)
	require.Equal(t, "D1", sess.ChannelID)
	require.Equal(t, []int{7}, svc.listedOrgCustIDs, "organization list must be scoped to the tenant's customer org")
	require.Contains(t, msg.lastPost(t, "D1"), "1: Acme")

	engine.HandleMessage(ctx, "U1", "D1", "none")
	sess, _ = store.Get("U1")
	require.Equal(t, StateSignal, sess.State)
	require.Empty(t, sess.SelectedOrgIDs)

	engine.HandleMessage(ctx, "U1", "D1", "Outage report")
	sess, ok = store.Get("U1")
	require.True(t, ok, "unregistered subject must not end the session")
	require.Equal(t, StateUserSelection, sess.State)
	require.NotNil(t, sess.Pending)
	require.Equal(t, "Outage report", sess.Pending.Text)
	require.Empty(t, sess.Pending.OrgIDs)
	require.Empty(t, svc.signals, "no signal may be submitted before registration")
	require.Contains(t, msg.lastPost(t, "D1"), "42: Jo")

	engine.HandleMessage(ctx, "U1", "D1", "42")
	require.Equal(t, []userRegistration{{"U1", 42}}, svc.userRegistrations)
	require.Len(t, svc.signals, 1)
	require.Equal(t, "Outage report", svc.signals[0].Text)
	require.Empty(t, svc.signals[0].OrgIDs)
	require.Equal(t, 42, svc.signals[0].UserID)

	_, ok = store.Get("U1")
	require.False(t, ok, "session must be deleted after the signal is submitted")
}

func TestAddSignalWithSelectedOrgs(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{
		customerOrgID:  7,
		customerOrgOK:  true,
		userID:         13,
		userOK:         true,
		signalResponse: "ok",
	}
	msg := &fakeMessenger{dm: "D1"}
	engine, store := newTestEngine(svc, msg)

	engine.StartAddSignal(ctx, "U1", "T1", "C1")
	engine.HandleMessage(ctx, "U1", "D1", "1, 2,3")

	sess, _ := store.Get("U1")
	require.Equal(t, StateSignal, sess.State)
	require.Equal(t, []int{1, 2, 3}, sess.SelectedOrgIDs)

	engine.HandleMessage(ctx, "U1", "D1", "servers are on fire")
	require.Len(t, svc.signals, 1)
	require.Equal(t, api.Signal{Text: "servers are on fire", OrgIDs: []int{1, 2, 3}, UserID: 13}, svc.signals[0])

	_, ok := store.Get("U1")
	require.False(t, ok)
}

func TestStartAddSignalUnregisteredTenant(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{customerOrgOK: false}
	msg := &fakeMessenger{dm: "D1"}
	engine, store := newTestEngine(svc, msg)

	engine.StartAddSignal(ctx, "U1", "T1", "C1")

	require.Contains(t, msg.lastPost(t, "C1"), "not registered")
	require.Empty(t, msg.opened, "no DM may be opened for an unregistered tenant")
	_, ok := store.Get("U1")
	require.False(t, ok)
}

func TestRegisterOrganizationAlreadyRegistered(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{customerOrgID: 3, customerOrgOK: true}
	msg := &fakeMessenger{dm: "D1"}
	engine, store := newTestEngine(svc, msg)

	engine.StartRegisterOrganization(ctx, "U1", "T1", "C1")

	require.Contains(t, msg.lastPost(t, "C1"), "already registered with customer organization ID: 3")
	require.Empty(t, msg.opened)
	_, ok := store.Get("U1")
	require.False(t, ok, "no session may be created when already registered")
}

func TestNewOrgNameCreateFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{createOrgErr: &api.Error{Err: errors.New("connection refused")}}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{SubjectID: "U1", ChannelID: "D1", State: StateNewOrgName, CustomerOrgID: 7})

	engine.HandleMessage(ctx, "U1", "D1", "Acme")

	sess, ok := store.Get("U1")
	require.True(t, ok)
	require.Equal(t, StateNewOrgName, sess.State, "failed create must not advance the state")
	require.Contains(t, msg.lastPost(t, "D1"), "Error creating new organization")
}

func TestNewOrgNameSuccessReshowsList(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{nextOrgID: 12, orgs: []api.Entity{{ID: 12, Name: "Acme"}}}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{SubjectID: "U1", ChannelID: "D1", State: StateNewOrgName, CustomerOrgID: 7})

	engine.HandleMessage(ctx, "U1", "D1", "Acme")

	require.Equal(t, []string{"Acme"}, svc.createdOrgs)
	sess, _ := store.Get("U1")
	require.Equal(t, StateOrgSelection, sess.State)
	require.Contains(t, msg.lastPost(t, "D1"), "available organizations")
}

func TestOrgSelectionRejectsMalformedList(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{SubjectID: "U1", ChannelID: "D1", State: StateOrgSelection, SelectedOrgIDs: []int{}})

	engine.HandleMessage(ctx, "U1", "D1", "1,2,x")

	sess, _ := store.Get("U1")
	require.Equal(t, StateOrgSelection, sess.State)
	require.Empty(t, sess.SelectedOrgIDs, "a single malformed token must reject the whole input")
	require.Contains(t, msg.lastPost(t, "D1"), "Invalid input")
}

func TestPendingSignalReplayedOnNewUserPath(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{nextUserID: 9, signalResponse: "ok"}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{
		SubjectID:     "U1",
		ChannelID:     "D1",
		State:         StateUserSelection,
		CustomerOrgID: 7,
		Pending:       &PendingSignal{Text: "Outage report", OrgIDs: []int{5}},
	})

	engine.HandleMessage(ctx, "U1", "D1", "NEW")
	sess, _ := store.Get("U1")
	require.Equal(t, StateNewUserName, sess.State)

	engine.HandleMessage(ctx, "U1", "D1", "Alice")
	require.Equal(t, []string{"Alice"}, svc.createdUsers)
	require.Equal(t, []userRegistration{{"U1", 9}}, svc.userRegistrations)
	require.Len(t, svc.signals, 1)
	require.Equal(t, api.Signal{Text: "Outage report", OrgIDs: []int{5}, UserID: 9}, svc.signals[0])

	_, ok := store.Get("U1")
	require.False(t, ok)
}

func TestUserRegistrationFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{registerUserErr: &api.Error{Status: 500, Body: "oops"}}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{
		SubjectID: "U1",
		ChannelID: "D1",
		State:     StateUserSelection,
		Pending:   &PendingSignal{Text: "Outage report"},
	})

	engine.HandleMessage(ctx, "U1", "D1", "42")

	sess, ok := store.Get("U1")
	require.True(t, ok, "failed registration must keep the session")
	require.Equal(t, StateUserSelection, sess.State)
	require.NotNil(t, sess.Pending, "pending signal must survive a failed registration")
	require.Empty(t, svc.signals)
}

func TestPendingReplayFailureStillEndsSession(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{signalErr: &api.Error{Status: 502, Body: "bad gateway"}}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{
		SubjectID: "U1",
		ChannelID: "D1",
		State:     StateUserSelection,
		Pending:   &PendingSignal{Text: "Outage report"},
	})

	engine.HandleMessage(ctx, "U1", "D1", "42")

	// Registration succeeded and is not rolled back; the user is told to
	// submit the signal again.
	require.Equal(t, []userRegistration{{"U1", 42}}, svc.userRegistrations)
	require.Contains(t, msg.lastPost(t, "D1"), "/add_signal")
	_, ok := store.Get("U1")
	require.False(t, ok)
}

func TestUserSelectionRejectsMultipleIDs(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{SubjectID: "U1", ChannelID: "D1", State: StateUserSelection})

	engine.HandleMessage(ctx, "U1", "D1", "1,2")

	sess, _ := store.Get("U1")
	require.Equal(t, StateUserSelection, sess.State)
	require.Empty(t, svc.userRegistrations)
	require.Contains(t, msg.lastPost(t, "D1"), "Invalid input")
}

func TestSignalUpstreamErrorKeepsState(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{userOK: true, userID: 13, signalErr: &api.Error{Err: errors.New("timeout")}}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{SubjectID: "U1", ChannelID: "D1", State: StateSignal})

	engine.HandleMessage(ctx, "U1", "D1", "Outage report")

	sess, ok := store.Get("U1")
	require.True(t, ok, "a failed submit must keep the session for retry")
	require.Equal(t, StateSignal, sess.State)
	require.Contains(t, msg.lastPost(t, "D1"), "Error adding signal")
}

func TestCustomerOrgRegistrationFlow(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{
		custOrgs: []api.Entity{{ID: 3, Name: "Initech"}},
	}
	msg := &fakeMessenger{dm: "D1"}
	engine, store := newTestEngine(svc, msg)

	engine.StartRegisterOrganization(ctx, "U1", "T1", "C1")

	sess, ok := store.Get("U1")
	require.True(t, ok)
	require.Equal(t, StateCustomerOrgSelection, sess.State)
	require.Equal(t, "T1", sess.TeamID)
	require.Contains(t, msg.lastPost(t, "D1"), "3: Initech")

	engine.HandleMessage(ctx, "U1", "D1", "3")

	require.Equal(t, []custOrgRegistration{{"T1", 3}}, svc.custOrgRegistrations)
	_, ok = store.Get("U1")
	require.False(t, ok)
}

func TestNewCustomerOrgCreatedAndRegistered(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{nextCustOrgID: 4}
	msg := &fakeMessenger{}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{SubjectID: "U1", ChannelID: "D1", State: StateCustomerOrgSelection, TeamID: "T1"})

	engine.HandleMessage(ctx, "U1", "D1", "new")
	sess, _ := store.Get("U1")
	require.Equal(t, StateNewCustomerOrgName, sess.State)

	engine.HandleMessage(ctx, "U1", "D1", "Initech")
	require.Equal(t, []string{"Initech"}, svc.createdCustOrgs)
	require.Equal(t, []custOrgRegistration{{"T1", 4}}, svc.custOrgRegistrations)
	_, ok := store.Get("U1")
	require.False(t, ok)
}

func TestNoSessionHintsAtCommands(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{}
	msg := &fakeMessenger{}
	engine, _ := newTestEngine(svc, msg)

	engine.HandleMessage(ctx, "U1", "D1", "hello?")

	hint := msg.lastPost(t, "D1")
	require.Contains(t, hint, "/add_signal")
	require.Contains(t, hint, "/register_user")
	require.Contains(t, hint, "/register_organization")
}

func TestStartCommandReplacesExistingSession(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{customerOrgID: 7, customerOrgOK: true}
	msg := &fakeMessenger{dm: "D1"}
	engine, store := newTestEngine(svc, msg)

	store.Set("U1", &Session{SubjectID: "U1", ChannelID: "D1", State: StateSignal})

	engine.StartRegisterUser(ctx, "U1", "T1", "C1")

	sess, ok := store.Get("U1")
	require.True(t, ok)
	require.Equal(t, StateUserSelection, sess.State, "a new command replaces the old session")
}
