// Package dialog implements the per-user conversation state machine behind
// the /add_signal, /register_user and /register_organization commands.
//
// A slash command creates a Session and sends the first prompt over DM; every
// following DM from the same subject is routed by the session's State into
// one handler, which may call the remote API and either advances the state or
// deletes the session. Deletion only happens on successful terminal
// completion: validation and upstream failures re-prompt and leave the
// session exactly where it was so the user can retry.
package dialog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/livedb/signalbot/api"
)

type (
	// Service is the slice of the remote API the dialog needs. Implemented
	// by *api.Client.
	Service interface {
		CustomerOrgBySlack(ctx context.Context, teamID string) (int, bool, error)
		UserBySlack(ctx context.Context, subjectID string) (int, bool, error)
		ListCustomerOrganizations(ctx context.Context) ([]api.Entity, error)
		ListOrganizations(ctx context.Context, customerOrgID int) ([]api.Entity, error)
		ListUsers(ctx context.Context, customerOrgID int) ([]api.Entity, error)
		CreateCustomerOrganization(ctx context.Context, name string) (int, error)
		CreateOrganization(ctx context.Context, name string, customerOrgID int) (int, error)
		CreateUser(ctx context.Context, name string, customerOrgID int) (int, error)
		RegisterCustomerOrganization(ctx context.Context, teamID string, customerOrgID int) error
		RegisterUser(ctx context.Context, subjectID string, userID int) error
		CreateSignal(ctx context.Context, s api.Signal) (string, error)
	}

	// Messenger sends messages back to the chat platform. Implemented by
	// *bot.Bot.
	Messenger interface {
		OpenDM(ctx context.Context, subjectID string) (string, error)
		PostMessage(ctx context.Context, channelID, text string) error
	}

	// Logger function
	Logger func(message string, args ...interface{})

	// Engine drives the dialog state machine.
	Engine struct {
		svc   Service
		msg   Messenger
		store *Store
		logf  Logger
	}
)

// NewEngine wires a dialog engine.
func NewEngine(svc Service, msg Messenger, store *Store, logf Logger) *Engine {
	return &Engine{
		svc:   svc,
		msg:   msg,
		store: store,
		logf:  logf,
	}
}

func (e *Engine) post(ctx context.Context, channelID, text string) {
	if err := e.msg.PostMessage(ctx, channelID, text); err != nil {
		e.logf("failed to post message: %v\n", err)
	}
}

// HandleMessage routes one direct message from a subject into the state
// machine. The subject's turn lock is held for the whole turn.
func (e *Engine) HandleMessage(ctx context.Context, subjectID, channelID, text string) {
	e.store.Lock(subjectID)
	defer e.store.Unlock(subjectID)

	sess, ok := e.store.Get(subjectID)
	if !ok {
		e.post(ctx, channelID,
			"To start adding a signal, use the /add_signal command. "+
				"To register a user, use the /register_user command. "+
				"To register your organization, use the /register_organization command.")
		return
	}

	in := Classify(text)

	switch sess.State {
	case StateOrgSelection:
		e.handleOrgSelection(ctx, sess, in)
	case StateNewOrgName:
		e.handleNewOrgName(ctx, sess, in)
	case StateSignal:
		e.handleSignal(ctx, sess, in)
	case StateUserSelection:
		e.handleUserSelection(ctx, sess, in)
	case StateNewUserName:
		e.handleNewUserName(ctx, sess, in)
	case StateCustomerOrgSelection:
		e.handleCustomerOrgSelection(ctx, sess, in)
	case StateNewCustomerOrgName:
		e.handleNewCustomerOrgName(ctx, sess, in)
	default:
		e.logf("session for %s has unknown state %d\n", subjectID, sess.State)
	}
}

func (e *Engine) handleOrgSelection(ctx context.Context, sess *Session, in Input) {
	switch {
	case in.Kind == Keyword && in.Keyword == "new":
		e.post(ctx, sess.ChannelID, "Please enter the name for the new organization:")
		sess.State = StateNewOrgName

	case in.Kind == Keyword && in.Keyword == "none":
		e.post(ctx, sess.ChannelID, "Proceeding without selecting any organizations. Please enter the signal text:")
		sess.State = StateSignal

	case in.Kind == IntList:
		sess.SelectedOrgIDs = append(sess.SelectedOrgIDs, in.IDs...)
		e.post(ctx, sess.ChannelID, fmt.Sprintf("You've selected organization ID(s): %s. Please enter the signal text:", joinIDs(in.IDs)))
		sess.State = StateSignal

	default:
		e.post(ctx, sess.ChannelID, "Invalid input. Please enter valid organization ID(s) (comma-separated), 'new', or 'none'.")
	}
}

func (e *Engine) handleNewOrgName(ctx context.Context, sess *Session, in Input) {
	orgID, err := e.svc.CreateOrganization(ctx, in.Text, sess.CustomerOrgID)
	if err != nil {
		e.post(ctx, sess.ChannelID, "Error creating new organization: "+err.Error())
		return
	}

	e.post(ctx, sess.ChannelID, fmt.Sprintf("New organization '%s' created with ID: %d.", in.Text, orgID))
	if err := e.showOrganizations(ctx, sess.ChannelID, sess.CustomerOrgID); err != nil {
		e.post(ctx, sess.ChannelID, "Error listing organizations: "+err.Error())
		return
	}
	sess.State = StateOrgSelection
}

func (e *Engine) handleSignal(ctx context.Context, sess *Session, in Input) {
	userID, registered, err := e.svc.UserBySlack(ctx, sess.SubjectID)
	if err != nil {
		e.post(ctx, sess.ChannelID, "Error adding signal: "+err.Error())
		return
	}

	if !registered {
		e.post(ctx, sess.ChannelID, "It looks like your Slack ID is not registered. Let's get you registered first.")
		if err := e.showUsers(ctx, sess.ChannelID, sess.CustomerOrgID); err != nil {
			e.post(ctx, sess.ChannelID, "Error listing users: "+err.Error())
			return
		}
		sess.Pending = &PendingSignal{Text: in.Text, OrgIDs: sess.SelectedOrgIDs}
		sess.State = StateUserSelection
		return
	}

	resp, err := e.svc.CreateSignal(ctx, api.Signal{Text: in.Text, OrgIDs: sess.SelectedOrgIDs, UserID: userID})
	if err != nil {
		e.post(ctx, sess.ChannelID, "Error adding signal: "+err.Error())
		return
	}
	e.post(ctx, sess.ChannelID, "Signal added successfully: "+resp)
	e.store.Delete(sess.SubjectID)
}

func (e *Engine) handleUserSelection(ctx context.Context, sess *Session, in Input) {
	switch {
	case in.Kind == Keyword && in.Keyword == "new":
		e.post(ctx, sess.ChannelID, "Please enter the name for the new user:")
		sess.State = StateNewUserName

	case in.Kind == IntList && len(in.IDs) == 1:
		userID := in.IDs[0]
		if err := e.svc.RegisterUser(ctx, sess.SubjectID, userID); err != nil {
			e.post(ctx, sess.ChannelID, "Error registering user: "+err.Error())
			return
		}
		e.post(ctx, sess.ChannelID, fmt.Sprintf("User registration successful. Your Slack ID %s has been linked to user ID %d.", sess.SubjectID, userID))
		e.finishRegistration(ctx, sess, userID)

	default:
		e.post(ctx, sess.ChannelID, "Invalid input. Please enter a valid user ID or 'new' to create a new user.")
	}
}

func (e *Engine) handleNewUserName(ctx context.Context, sess *Session, in Input) {
	userID, err := e.svc.CreateUser(ctx, in.Text, sess.CustomerOrgID)
	if err != nil {
		e.post(ctx, sess.ChannelID, "Failed to create new user: "+err.Error()+". Please try again or contact support.")
		return
	}

	if err := e.svc.RegisterUser(ctx, sess.SubjectID, userID); err != nil {
		e.post(ctx, sess.ChannelID, "User created but registration failed. Please try registering again using the /register_user command.")
		return
	}

	e.post(ctx, sess.ChannelID, fmt.Sprintf("New user '%s' created with ID: %d and user registration successful.", in.Text, userID))
	e.finishRegistration(ctx, sess, userID)
}

// finishRegistration replays any pending signal and closes the session. The
// registration itself has already succeeded and is not rolled back when the
// replay fails; the user is told to submit the signal again instead.
func (e *Engine) finishRegistration(ctx context.Context, sess *Session, userID int) {
	if sess.Pending != nil {
		pending := sess.Pending
		sess.Pending = nil

		resp, err := e.svc.CreateSignal(ctx, api.Signal{Text: pending.Text, OrgIDs: pending.OrgIDs, UserID: userID})
		if err != nil {
			e.post(ctx, sess.ChannelID, "Failed to add the pending signal: "+err.Error()+". Your registration succeeded; please submit the signal again with the /add_signal command.")
		} else {
			e.post(ctx, sess.ChannelID, "Pending signal added successfully: "+resp)
		}
	}
	e.store.Delete(sess.SubjectID)
}

func (e *Engine) handleCustomerOrgSelection(ctx context.Context, sess *Session, in Input) {
	switch {
	case in.Kind == Keyword && in.Keyword == "new":
		e.post(ctx, sess.ChannelID, "Please enter the name for the new customer organization:")
		sess.State = StateNewCustomerOrgName

	case in.Kind == IntList && len(in.IDs) == 1:
		orgID := in.IDs[0]
		if err := e.svc.RegisterCustomerOrganization(ctx, sess.TeamID, orgID); err != nil {
			e.post(ctx, sess.ChannelID, "Error registering customer organization: "+err.Error())
			return
		}
		e.post(ctx, sess.ChannelID, fmt.Sprintf("Customer organization registration successful. Your Slack workspace has been linked to customer organization ID %d.", orgID))
		e.store.Delete(sess.SubjectID)

	default:
		e.post(ctx, sess.ChannelID, "Invalid input. Please enter a valid customer organization ID or 'new' to create a new customer organization.")
	}
}

func (e *Engine) handleNewCustomerOrgName(ctx context.Context, sess *Session, in Input) {
	orgID, err := e.svc.CreateCustomerOrganization(ctx, in.Text)
	if err != nil {
		e.post(ctx, sess.ChannelID, "Failed to create new customer organization: "+err.Error()+". Please try again or contact support.")
		return
	}

	if err := e.svc.RegisterCustomerOrganization(ctx, sess.TeamID, orgID); err != nil {
		e.post(ctx, sess.ChannelID, "Customer organization created but registration failed. Please try registering again using the /register_organization command.")
		return
	}

	e.post(ctx, sess.ChannelID, fmt.Sprintf("New customer organization '%s' created with ID: %d and registered with your Slack workspace.", in.Text, orgID))
	e.store.Delete(sess.SubjectID)
}

// StartAddSignal begins the add-signal dialog. Gate failures are reported on
// commandChannel; the dialog itself runs over DM.
func (e *Engine) StartAddSignal(ctx context.Context, subjectID, teamID, commandChannel string) {
	e.store.Lock(subjectID)
	defer e.store.Unlock(subjectID)

	customerOrgID, registered, err := e.svc.CustomerOrgBySlack(ctx, teamID)
	if err != nil {
		e.post(ctx, commandChannel, "Error starting signal addition process: "+err.Error())
		return
	}
	if !registered {
		e.post(ctx, commandChannel, "Your Slack workspace is not registered. Please use the /register_organization command first.")
		return
	}

	dm, err := e.msg.OpenDM(ctx, subjectID)
	if err != nil {
		e.post(ctx, commandChannel, "Error starting signal addition process: "+err.Error())
		return
	}

	if err := e.showOrganizations(ctx, dm, customerOrgID); err != nil {
		e.post(ctx, commandChannel, "Error starting signal addition process: "+err.Error())
		return
	}

	e.store.Set(subjectID, &Session{
		SubjectID:      subjectID,
		ChannelID:      dm,
		State:          StateOrgSelection,
		SelectedOrgIDs: []int{},
		CustomerOrgID:  customerOrgID,
	})
}

// StartRegisterUser begins the user registration dialog.
func (e *Engine) StartRegisterUser(ctx context.Context, subjectID, teamID, commandChannel string) {
	e.store.Lock(subjectID)
	defer e.store.Unlock(subjectID)

	customerOrgID, registered, err := e.svc.CustomerOrgBySlack(ctx, teamID)
	if err != nil {
		e.post(ctx, commandChannel, "Error starting user registration process: "+err.Error())
		return
	}
	if !registered {
		e.post(ctx, commandChannel, "Your Slack workspace is not registered. Please use the /register_organization command first.")
		return
	}

	dm, err := e.msg.OpenDM(ctx, subjectID)
	if err != nil {
		e.post(ctx, commandChannel, "Error starting user registration process: "+err.Error())
		return
	}

	if err := e.showUsers(ctx, dm, customerOrgID); err != nil {
		e.post(ctx, commandChannel, "Error starting user registration process: "+err.Error())
		return
	}

	e.store.Set(subjectID, &Session{
		SubjectID:     subjectID,
		ChannelID:     dm,
		State:         StateUserSelection,
		CustomerOrgID: customerOrgID,
	})
}

// StartRegisterOrganization begins the workspace registration dialog. Unlike
// the other commands it requires the workspace to not be registered yet.
func (e *Engine) StartRegisterOrganization(ctx context.Context, subjectID, teamID, commandChannel string) {
	e.store.Lock(subjectID)
	defer e.store.Unlock(subjectID)

	customerOrgID, registered, err := e.svc.CustomerOrgBySlack(ctx, teamID)
	if err != nil {
		e.post(ctx, commandChannel, "Error starting organization registration process: "+err.Error())
		return
	}
	if registered {
		e.post(ctx, commandChannel, fmt.Sprintf("Your Slack workspace is already registered with customer organization ID: %d", customerOrgID))
		return
	}

	dm, err := e.msg.OpenDM(ctx, subjectID)
	if err != nil {
		e.post(ctx, commandChannel, "Error starting organization registration process: "+err.Error())
		return
	}

	if err := e.showCustomerOrganizations(ctx, dm); err != nil {
		e.post(ctx, commandChannel, "Error starting organization registration process: "+err.Error())
		return
	}

	e.store.Set(subjectID, &Session{
		SubjectID: subjectID,
		ChannelID: dm,
		State:     StateCustomerOrgSelection,
		TeamID:    teamID,
	})
}

func (e *Engine) showOrganizations(ctx context.Context, channelID string, customerOrgID int) error {
	orgs, err := e.svc.ListOrganizations(ctx, customerOrgID)
	if err != nil {
		return err
	}

	e.post(ctx, channelID, "Here are the available organizations:\n"+renderEntities(orgs)+
		"\n\nPlease reply with:\n"+
		"- One or more organization IDs (comma-separated)\n"+
		"- 'new' to create a new organization\n"+
		"- 'none' to proceed without selecting any organizations")
	return nil
}

func (e *Engine) showUsers(ctx context.Context, channelID string, customerOrgID int) error {
	users, err := e.svc.ListUsers(ctx, customerOrgID)
	if err != nil {
		return err
	}

	e.post(ctx, channelID, "Here are the available users:\n"+renderEntities(users)+
		"\n\nPlease reply with:\n"+
		"- An existing user ID\n"+
		"- 'new' to create a new user")
	return nil
}

func (e *Engine) showCustomerOrganizations(ctx context.Context, channelID string) error {
	orgs, err := e.svc.ListCustomerOrganizations(ctx)
	if err != nil {
		return err
	}

	e.post(ctx, channelID, "Here are the available customer organizations:\n"+renderEntities(orgs)+
		"\n\nPlease reply with:\n"+
		"- An existing customer organization ID\n"+
		"- 'new' to create a new customer organization")
	return nil
}

func renderEntities(entities []api.Entity) string {
	lines := make([]string, len(entities))
	for i, ent := range entities {
		lines[i] = fmt.Sprintf("%d: %s", ent.ID, ent.Name)
	}
	return strings.Join(lines, "\n")
}

func joinIDs(ids []int) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.Itoa(id)
	}
	return strings.Join(strs, ", ")
}
