// Command mbpoll is a standalone polling consumer that speaks the bus's
// long-poll/chunked-streaming protocol from another process, exercising
// internal/httpclient the way cmd/messagebusd exercises the server side.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/adred-codev/messagebus/internal/httpclient"
	"github.com/adred-codev/messagebus/internal/logging"
	"github.com/google/uuid"
)

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8080/message-bus", "base URL of the message-bus endpoint")
		clientID  = flag.String("client-id", "", "client id to poll as (default: a generated uuid, so concurrent instances never collide)")
		channels  = flag.String("channels", "", "comma-separated channel=last_id pairs, e.g. /foo=0,/bar=-1")
		dontChunk = flag.Bool("dont-chunk", false, "ask the server for a single-shot response instead of chunked framing")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *clientID == "" {
		id := uuid.NewString()
		clientID = &id
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	logger := logging.New(logging.Config{Level: level, Format: "console"})

	subs, err := parseChannels(*channels)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -channels")
	}
	if len(subs) == 0 {
		logger.Fatal().Msg("-channels is required, e.g. -channels=/foo=0,/bar=-1")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := httpclient.New(*baseURL, *clientID, logger)

	for ctx.Err() == nil {
		err := client.StreamWithOptions(ctx, subs, *dontChunk, func(msgs []httpclient.Message) error {
			for _, m := range msgs {
				var pretty any = m.Data
				_ = json.Unmarshal(m.Data, &pretty)
				logger.Info().
					Int64("global_id", m.GlobalID).
					Int64("message_id", m.ID).
					Str("channel", m.Channel).
					Interface("data", pretty).
					Msg("message")
				if m.ID > 0 {
					subs[m.Channel] = m.ID
				}
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("poll failed, retrying")
		}
	}
}

func parseChannels(raw string) (map[string]int64, error) {
	subs := map[string]int64{}
	if strings.TrimSpace(raw) == "" {
		return subs, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.LastIndex(pair, "=")
		if idx < 0 {
			return nil, errInvalidPair(pair)
		}
		channel := pair[:idx]
		id, err := strconv.ParseInt(pair[idx+1:], 10, 64)
		if err != nil {
			return nil, err
		}
		subs[channel] = id
	}
	return subs, nil
}

type errInvalidPair string

func (e errInvalidPair) Error() string {
	return "invalid channel=last_id pair: " + string(e)
}
