package bot

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/trace"
	"github.com/gorilla/mux"
)

const helpMessage = `I can respond to the following commands:
- /add_signal: Start adding a signal to a customer organization
- /register_user: Register your Slack ID with your user account
- /register_organization: Register your Slack workspace with a customer organization
- /help: Show this help message`

// slashCommand is the form payload Slack posts to the command endpoint.
type slashCommand struct {
	command   string
	teamID    string
	userID    string
	channelID string
	text      string
}

// Router returns the HTTP routes served by the bot: the slash command
// endpoint and a health check.
func (b *Bot) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/slack/command", b.handleCommand).Methods("POST")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return r
}

func (b *Bot) handleCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if b.verifyToken != "" && r.PostForm.Get("token") != b.verifyToken {
		http.Error(w, "invalid verification token", http.StatusUnauthorized)
		return
	}

	cmd := slashCommand{
		command:   r.PostForm.Get("command"),
		teamID:    r.PostForm.Get("team_id"),
		userID:    r.PostForm.Get("user_id"),
		channelID: r.PostForm.Get("channel_id"),
		text:      r.PostForm.Get("text"),
	}
	if cmd.userID == "" || cmd.channelID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Slack wants the ack within 3 seconds; the dialog work, which may call
	// the remote API several times, happens after.
	w.WriteHeader(http.StatusOK)

	go b.dispatchCommand(cmd)
}

func (b *Bot) dispatchCommand(cmd slashCommand) {
	span := b.newSpan("b.dispatchCommand")
	span.SetLabel("command", cmd.command)
	defer span.Finish()
	ctx := trace.NewContext(context.Background(), span)

	switch cmd.command {
	case "/add_signal":
		b.engine.StartAddSignal(ctx, cmd.userID, cmd.teamID, cmd.channelID)
	case "/register_user":
		b.engine.StartRegisterUser(ctx, cmd.userID, cmd.teamID, cmd.channelID)
	case "/register_organization":
		b.engine.StartRegisterOrganization(ctx, cmd.userID, cmd.teamID, cmd.channelID)
	case "/help":
		if err := b.PostMessage(ctx, cmd.channelID, helpMessage); err != nil {
			b.logf("error sending help message: %v\n", err)
		}
	default:
		b.logf("unknown slash command: %q\n", cmd.command)
	}
}
