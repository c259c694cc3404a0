// Command signalbot
//
// This is a Slack bot that collects "signals" over a short direct-message
// dialog and records them in the live-db service.
//
// Configuration comes from the environment (a .env file is honored):
// SLACK_BOT_TOKEN and API_KEY are required; API_BASE_URL,
// SLACK_VERIFICATION_TOKEN, SIGNALBOT_ADDR, SIGNALBOT_DEV_MODE and
// GOOGLE_PROJECT_ID are optional.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/trace"
	"github.com/joho/godotenv"
	"github.com/nlopes/slack"

	"github.com/livedb/signalbot/api"
	"github.com/livedb/signalbot/bot"
	"github.com/livedb/signalbot/dialog"
)

var botVersion = "HEAD"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v\n", err)
	}

	slackToken := os.Getenv("SLACK_BOT_TOKEN")
	if slackToken == "" {
		log.Fatal("slack token must be set in the SLACK_BOT_TOKEN environment variable")
	}

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		log.Fatal("API key must be set in the API_KEY environment variable")
	}

	apiBaseURL := os.Getenv("API_BASE_URL")
	if apiBaseURL == "" {
		apiBaseURL = "https://live-db-kohl.vercel.app"
	}

	addr := os.Getenv("SIGNALBOT_ADDR")
	if addr == "" {
		addr = ":8014"
	}

	devMode := os.Getenv("SIGNALBOT_DEV_MODE") == "true"

	httpClient := &http.Client{
		Transport: &http.Transport{
			Dial: (&net.Dialer{
				Timeout:   15 * time.Second,
				KeepAlive: 30 * time.Second,
			}).Dial,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	var traceClient *trace.Client
	if projectID := os.Getenv("GOOGLE_PROJECT_ID"); projectID != "" {
		var err error
		traceClient, err = trace.NewClient(context.Background(), projectID)
		if err != nil {
			log.Fatalf("failed to initialize the trace client: %v\n", err)
		}
	}

	slackBotAPI := slack.New(slackToken)

	b := bot.New(slackBotAPI, traceClient, botVersion, os.Getenv("SLACK_VERIFICATION_TOKEN"), devMode, log.Printf)

	apiClient := api.New(httpClient, apiBaseURL, apiKey, log.Printf)
	engine := dialog.NewEngine(apiClient, b, dialog.NewStore(), log.Printf)
	b.SetEngine(engine)

	go func() {
		log.Printf("listening for slash commands on %s\n", addr)
		if err := http.ListenAndServe(addr, b.Router()); err != nil {
			log.Fatal(err)
		}
	}()

	rtm := slackBotAPI.NewRTM()
	go rtm.ManageConnection()

	log.Printf("signalbot %s initialized\n", botVersion)

	for msg := range rtm.IncomingEvents {
		switch event := msg.Data.(type) {
		case *slack.MessageEvent:
			go b.HandleMessage(event)
		default:
		}
	}
}
