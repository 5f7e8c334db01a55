// Package clientloop implements the client role's chat front-end: it
// sends user messages through the gateway client, filters streamed chat
// events by session key, and renders deltas/finals to stdout.
package clientloop

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stevej/gsv/internal/config"
	"github.com/stevej/gsv/internal/gatewayclient"
	"github.com/stevej/gsv/internal/protocol"
)

// turnTimeout is the overall per-turn cap: on expiry the loop stops waiting
// for the streamed reply but does not cancel the server-side run.
const turnTimeout = 120 * time.Second

// Loop drives one or more chat turns against a connected gateway client.
type Loop struct {
	gw     *gatewayclient.Client
	logger *zap.Logger
	out    io.Writer
	errOut io.Writer
}

// New constructs a Loop writing assistant output to stdout and errors to
// stderr.
func New(gw *gatewayclient.Client, logger *zap.Logger) *Loop {
	return &Loop{gw: gw, logger: logger, out: os.Stdout, errOut: os.Stderr}
}

// Run performs one chat turn for message against sessionKey, blocking until
// the reply completes, errors, or the turn times out.
func (l *Loop) Run(ctx context.Context, sessionKey, message string) error {
	return l.sendOneTurn(ctx, sessionKey, message)
}

// RunInteractive loops lines from stdin as successive chat turns against
// sessionKey, terminating on "quit", "exit", or stdin EOF.
func (l *Loop) RunInteractive(ctx context.Context, sessionKey string) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		if err := l.sendOneTurn(ctx, sessionKey, line); err != nil {
			fmt.Fprintf(l.errOut, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func (l *Loop) sendOneTurn(ctx context.Context, sessionKey, message string) error {
	normalized := config.NormalizeSessionKey(sessionKey)

	result, err := l.gw.ChatSend(ctx, protocol.ChatSendParams{
		SessionKey: normalized,
		Message:    message,
		RunID:      uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("clientloop: chat.send: %w", err)
	}

	if result.Status == "command" || result.Status == "directive-only" {
		if result.Error != "" {
			fmt.Fprintln(l.errOut, result.Error)
		} else {
			fmt.Fprintln(l.out, result.Response)
		}
		return nil
	}

	return l.awaitStream(ctx, normalized)
}

func (l *Loop) awaitStream(ctx context.Context, sessionKey string) error {
	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }

	l.gw.SetEventHandler(func(frame protocol.Frame) {
		if frame.Kind != protocol.KindEvent || frame.Evt == nil || frame.Evt.Event != "chat" {
			return
		}
		var payload protocol.ChatEventPayload
		if err := json.Unmarshal(frame.Evt.Payload, &payload); err != nil {
			return
		}
		if payload.SessionKey != sessionKey {
			return
		}
		switch payload.State {
		case "delta", "partial":
			fmt.Fprint(l.out, payload.Text)
		case "final":
			l.printFinal(payload)
			finish()
		case "error":
			fmt.Fprintln(l.errOut, payload.Error)
			finish()
		}
	})

	select {
	case <-done:
		return nil
	case <-time.After(turnTimeout):
		l.logger.Warn("clientloop: turn timed out, no longer waiting", zap.String("sessionKey", sessionKey), zap.Duration("timeout", turnTimeout))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) printFinal(payload protocol.ChatEventPayload) {
	if payload.Text != "" {
		fmt.Fprintln(l.out, payload.Text)
		return
	}
	if len(payload.Message) > 0 {
		fmt.Fprintln(l.out, string(payload.Message))
	}
}
