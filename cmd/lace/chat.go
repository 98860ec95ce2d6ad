package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lacehq/lace/pkg/agent"
	"github.com/lacehq/lace/pkg/config"
	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/session"
)

// ChatCmd runs an interactive conversation with a session's coordinator.
type ChatCmd struct {
	Session  string `help:"Resume an existing session by id."`
	Name     string `help:"Name for a new session."`
	Instance string `help:"Provider instance id for a new session."`
	Model    string `help:"Model id for a new session."`
	Preset   string `help:"Apply a named preset to a new session."`
}

func (c *ChatCmd) Run(rc *RunContext) error {
	ctx := context.Background()
	rt := rc.Runtime

	sess, err := c.resolveSession(ctx, rt)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s (%s). Type a message, or /quit to exit.\n", sess.ID(), sess.Name())

	coord := sess.Coordinator()
	events := coord.Events()
	sub := events.Subscribe()
	defer events.Unsubscribe(sub)

	// Stream tokens and tool activity to the terminal.
	go func() {
		for ev := range sub {
			switch ev.Type {
			case agent.EventToken:
				fmt.Print(ev.Data.(agent.TokenData).Token)
			case agent.EventToolCallStart:
				data := ev.Data.(agent.ToolCallStartData)
				fmt.Printf("\n[tool %s] %s\n", data.ToolName, data.Input)
			case agent.EventRetryAttempt:
				data := ev.Data.(agent.RetryAttemptData)
				fmt.Printf("\n[retrying after %s: %v]\n", data.Delay, data.Err)
			case agent.EventError:
				fmt.Printf("\n[error] %v\n", ev.Data.(agent.ErrorData).Err)
			}
		}
	}()

	// SIGINT aborts the in-flight turn instead of killing the process.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigc {
			if coord.IsProcessing() {
				fmt.Println("\n[aborting turn]")
				sess.Abort()
			} else {
				os.Exit(0)
			}
		}
	}()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			return nil
		}

		if _, err := sess.SendMessage(ctx, text); err != nil {
			fmt.Fprintln(os.Stderr, "turn failed:", err)
		}
		fmt.Println()
	}
}

func (c *ChatCmd) resolveSession(ctx context.Context, rt *Runtime) (*session.Session, error) {
	if c.Session != "" {
		return rt.Sessions.GetByID(ctx, ids.ThreadID(c.Session))
	}

	cfg := config.SessionConfig{
		ProviderInstanceID: c.Instance,
		ModelID:            c.Model,
	}
	if c.Preset != "" {
		preset, err := rt.Presets.Get(c.Preset)
		if err != nil {
			return nil, err
		}
		cfg = config.Merge(preset.Config, cfg)
	} else if preset, ok, err := rt.Presets.Default(); err == nil && ok {
		cfg = config.Merge(preset.Config, cfg)
	}

	return rt.Sessions.Create(ctx, session.CreateRequest{
		Name:          c.Name,
		Configuration: cfg,
	})
}
