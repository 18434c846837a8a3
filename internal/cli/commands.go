// Package cli implements the interactive command-line interface for tablelink.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/events"
	"github.com/tablelink-project/tablelink/internal/protocol"
	"github.com/tablelink-project/tablelink/internal/session"
	"github.com/tablelink-project/tablelink/internal/store"
	"github.com/tablelink-project/tablelink/internal/util"
)

// Session is the part of the connection manager the CLI drives.
type Session interface {
	Snapshot() session.Snapshot
	Connect(userID string) error
	Disconnect()
	Logout() (store.Session, error)
	Send(env protocol.Envelope) error
	JoinTable(tableID string, position *int) error
	LeaveTable() error
	GameAction(payload json.RawMessage) error
	TrackNavigation(page string, position *int) (store.Session, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	session       Session
	eventBus      *events.EventBus
	defaultUserID string

	in     io.Reader
	out    io.Writer
	logger zerolog.Logger
}

// NewCLI creates a CLI bound to the terminal.
func NewCLI(sess Session, eventBus *events.EventBus, defaultUserID string) *CLI {
	return &CLI{
		session:       sess,
		eventBus:      eventBus,
		defaultUserID: defaultUserID,
		in:            os.Stdin,
		out:           os.Stdout,
		logger:        util.ComponentLogger("cli"),
	}
}

// Start runs the command loop until ctx is done or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ntablelink CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "tablelink> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs a single command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	c.logger.Debug().Str("command", cmd).Int("args", len(args)).Msg("cli command")

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "connect":
		return c.cmdConnect(args)
	case "disconnect":
		c.session.Disconnect()
		fmt.Fprintln(c.out, "Disconnected")
	case "join":
		return c.cmdJoin(args)
	case "leave":
		if err := c.session.LeaveTable(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Left table")
	case "action":
		return c.cmdAction(args)
	case "send":
		return c.cmdSend(args)
	case "page":
		return c.cmdPage(args)
	case "logout":
		sess, err := c.session.Logout()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Logged out, new session %s\n", sess.SessionID)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down tablelink...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                    tablelink CLI Commands                    ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status               Show connection and session state     ║")
	fmt.Fprintln(c.out, "║  connect [user]       Connect as user (default from config) ║")
	fmt.Fprintln(c.out, "║  disconnect           Close the connection cleanly          ║")
	fmt.Fprintln(c.out, "║  join <table> [pos]   Join a table                          ║")
	fmt.Fprintln(c.out, "║  leave                Leave the active table                ║")
	fmt.Fprintln(c.out, "║  action <json>        Send a game action                    ║")
	fmt.Fprintln(c.out, "║  send <type> [json]   Send a raw envelope                   ║")
	fmt.Fprintln(c.out, "║  page <name> [pos]    Record navigation                     ║")
	fmt.Fprintln(c.out, "║  logout               Disconnect and discard the session    ║")
	fmt.Fprintln(c.out, "║  quit                 Shutdown tablelink                    ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	snap := c.session.Snapshot()
	sess := snap.Session

	position := "-"
	if sess.LastPosition != nil {
		position = strconv.Itoa(*sess.LastPosition)
	}
	chips := "-"
	if snap.Chips != nil {
		chips = strconv.FormatInt(snap.Chips.Balance, 10)
		if snap.Chips.Delta != 0 {
			chips += fmt.Sprintf(" (%+d)", snap.Chips.Delta)
		}
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	tw.AppendBulk([][]string{
		{"State", snap.State.String()},
		{"Session", sess.SessionID},
		{"User", orDash(sess.UserID)},
		{"Table", orDash(sess.LastActiveTableID)},
		{"Position", position},
		{"Page", orDash(sess.LastActivePage)},
		{"Chips", chips},
		{"Attempts", fmt.Sprintf("%d/%d", sess.ReconnectAttempts, snap.Policy.MaxAttempts)},
		{"Reconnecting", strconv.FormatBool(sess.IsReconnecting)},
		{"Retry pending", strconv.FormatBool(snap.RetryPending)},
		{"Heartbeat", strconv.FormatBool(snap.HeartbeatRunning)},
		{"Last ack", formatTime(snap.LastAck)},
		{"Connected at", formatTime(sess.LastConnectionTime)},
		{"Disconnected at", formatTime(sess.LastDisconnectTime)},
	})

	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdConnect(args []string) error {
	userID := c.defaultUserID
	if len(args) > 0 {
		userID = args[0]
	}
	if err := c.session.Connect(userID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Connecting as %s\n", userID)
	return nil
}

func (c *CLI) cmdJoin(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: join <table> [position]")
	}
	position, err := optionalInt(args[1:])
	if err != nil {
		return err
	}
	if err := c.session.JoinTable(args[0], position); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Joined table %s\n", args[0])
	return nil
}

func (c *CLI) cmdAction(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: action <json>")
	}
	payload := json.RawMessage(strings.Join(args, " "))
	if !json.Valid(payload) {
		return fmt.Errorf("action payload is not valid JSON")
	}
	if err := c.session.GameAction(payload); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Action sent")
	return nil
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: send <type> [json]")
	}
	env := protocol.Envelope{Type: protocol.Tag(args[0])}
	if len(args) > 1 {
		env.Payload = json.RawMessage(strings.Join(args[1:], " "))
		if !json.Valid(env.Payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
	}
	if err := c.session.Send(env); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent %s\n", env.Type)
	return nil
}

func (c *CLI) cmdPage(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: page <name> [position]")
	}
	position, err := optionalInt(args[1:])
	if err != nil {
		return err
	}
	if _, err := c.session.TrackNavigation(args[0], position); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Page set to %s\n", args[0])
	return nil
}

func optionalInt(args []string) (*int, error) {
	if len(args) == 0 {
		return nil, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid position: %s", args[0])
	}
	return &n, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
