// Package bot is the Slack side of signalbot: it receives RTM message events
// and slash command posts, and relays the dialog engine's replies through the
// Slack Web API.
package bot

import (
	"context"
	"strings"

	"cloud.google.com/go/trace"
	"github.com/nlopes/slack"

	"github.com/livedb/signalbot/dialog"
)

type (
	// Logger function
	Logger func(message string, args ...interface{})

	// Bot structure
	Bot struct {
		version     string
		verifyToken string
		devMode     bool
		slackBotAPI *slack.Client
		engine      *dialog.Engine
		traceClient *trace.Client
		logf        Logger
	}
)

// New creates the Slack bot. The dialog engine is attached afterwards with
// SetEngine, because the engine needs the bot as its Messenger.
func New(slackBotAPI *slack.Client, traceClient *trace.Client, version, verifyToken string, devMode bool, logf Logger) *Bot {
	return &Bot{
		version:     version,
		verifyToken: verifyToken,
		devMode:     devMode,
		slackBotAPI: slackBotAPI,
		traceClient: traceClient,
		logf:        logf,
	}
}

// SetEngine attaches the dialog engine. Must be called before any event is
// handled.
func (b *Bot) SetEngine(e *dialog.Engine) {
	b.engine = e
}

// newSpan starts a trace span, or returns nil when tracing is not
// configured. A nil *trace.Span is valid and all its methods are no-ops.
func (b *Bot) newSpan(name string) *trace.Span {
	if b.traceClient == nil {
		return nil
	}
	return b.traceClient.NewSpan(name)
}

// OpenDM opens (or resumes) the direct message channel with a user and
// returns its channel id.
func (b *Bot) OpenDM(ctx context.Context, subjectID string) (string, error) {
	_, _, channelID, err := b.slackBotAPI.OpenIMChannelContext(ctx, subjectID)
	return channelID, err
}

// PostMessage sends text to a channel as the bot user.
func (b *Bot) PostMessage(ctx context.Context, channelID, text string) error {
	if b.devMode {
		b.logf("should post to %s: %s\n", channelID, text)
		return nil
	}

	params := slack.PostMessageParameters{AsUser: true}
	_, _, err := b.slackBotAPI.PostMessageContext(ctx, channelID, text, params)
	return err
}

// HandleMessage routes a direct message into the dialog engine. Messages in
// public channels and messages from bots are ignored.
func (b *Bot) HandleMessage(event *slack.MessageEvent) {
	if event.BotID != "" || event.User == "" || event.SubType == "bot_message" {
		return
	}

	// Direct message channels always start with 'D'
	if !strings.HasPrefix(event.Channel, "D") {
		return
	}

	text := strings.TrimSpace(event.Text)
	if text == "" {
		return
	}

	span := b.newSpan("b.HandleMessage")
	defer span.Finish()
	ctx := trace.NewContext(context.Background(), span)

	b.engine.HandleMessage(ctx, event.User, event.Channel, text)
}
