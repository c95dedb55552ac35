// Package cli implements the operator console for starrelay.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/db"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/handlers"
	"github.com/starrelay-project/starrelay/internal/network"
)

// CLI reads operator commands line by line.
type CLI struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	sessions  *network.Manager
	moderator *handlers.Moderator

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, sessions *network.Manager, moderator *handlers.Moderator, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:       cfg,
		eventBus:  eventBus,
		sessions:  sessions,
		moderator: moderator,
		in:        in,
		out:       out,
	}
}

// Start runs the command loop until ctx is done, the input ends, or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Fprintln(c.out, "\nstarrelay console ready. Type 'help' for available commands.")

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
		fmt.Fprint(c.out, "starrelay> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			cmd := strings.ToLower(parts[0])
			if err := c.Execute(ctx, cmd, parts[1:]); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

// Execute runs a single command.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "who":
		c.printSessions()
	case "info":
		return c.cmdInfo(args)
	case "kick":
		return c.cmdKick(ctx, args)
	case "ban":
		return c.cmdBan(ctx, args)
	case "unban":
		return c.cmdUnban(ctx, args)
	case "bans":
		return c.printBans(ctx)
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down starrelay...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status                    Show session counts
  sessions                  List connected sessions
  info <session>            Show one session in detail
  kick <session> [reason]   Disconnect a session
  ban <ip|uuid> [reason]    Ban an address or player and kick matches
  unban <id|ip|uuid>        Remove bans
  bans                      List bans
  setconfig <key> <value>   Update a proxy option
  quit                      Shut starrelay down
  help                      Show this help message`)
}

func (c *CLI) printStatus() {
	sessions := c.sessions.All()
	authenticated := 0
	for _, s := range sessions {
		if s.Player().Authenticated() {
			authenticated++
		}
	}
	proxy := c.cfg.GetProxy()
	fmt.Fprintf(c.out, "  Listening:     %s\n", proxy.ListenAddr())
	fmt.Fprintf(c.out, "  Upstream:      %s\n", proxy.UpstreamAddr())
	fmt.Fprintf(c.out, "  Sessions:      %d\n", len(sessions))
	fmt.Fprintf(c.out, "  Authenticated: %d\n", authenticated)
}

func (c *CLI) printSessions() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Player", "Address", "Auth", "Uptime", "Packets In/Out"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range c.sessions.All() {
		info := s.Info()
		name := info.Player.Name
		if name == "" {
			name = "-"
		}
		tw.Append([]string{
			info.ID,
			name,
			info.RemoteAddr,
			strconv.FormatBool(info.Player.Authenticated),
			time.Since(info.StartedAt).Truncate(time.Second).String(),
			fmt.Sprintf("%d/%d", info.PacketsIn, info.PacketsOut),
		})
	}
	tw.Render()
}

func (c *CLI) cmdInfo(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: info <session>")
	}
	s, ok := c.sessions.Get(args[0])
	if !ok {
		return fmt.Errorf("session not found: %s", args[0])
	}
	info := s.Info()
	fmt.Fprintf(c.out, "\n  Session:       %s\n", info.ID)
	fmt.Fprintf(c.out, "  Address:       %s\n", info.RemoteAddr)
	fmt.Fprintf(c.out, "  Started:       %s\n", info.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Last activity: %s\n", info.LastActivity.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Player:        %s\n", info.Player.Name)
	fmt.Fprintf(c.out, "  UUID:          %s\n", info.Player.UUID)
	fmt.Fprintf(c.out, "  Species:       %s\n", info.Player.Species)
	fmt.Fprintf(c.out, "  Client ID:     %d\n", info.Player.ClientID)
	fmt.Fprintf(c.out, "  Bytes in/out:  %d/%d\n", info.BytesIn, info.BytesOut)
	return nil
}

func (c *CLI) cmdKick(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <session> [reason]")
	}
	if err := c.moderator.Kick(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Kicked %s\n", args[0])
	return nil
}

func (c *CLI) cmdBan(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ban <ip|uuid> [reason]")
	}

	ban := db.Ban{
		Reason:   strings.Join(args[1:], " "),
		BannedBy: "console",
	}
	if id, err := uuid.Parse(args[0]); err == nil {
		ban.UUID = id.String()
	} else {
		ban.IP = args[0]
	}

	id, kicked, err := c.moderator.Ban(ctx, ban)
	if err != nil {
		return err
	}
	log.Info().Int64("ban_id", id).Str("target", args[0]).Msg("console: ban added")
	fmt.Fprintf(c.out, "Ban %d added, %d session(s) kicked\n", id, kicked)
	return nil
}

func (c *CLI) cmdUnban(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: unban <id|ip|uuid>")
	}
	removed, err := c.moderator.Unban(ctx, args[0])
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("no ban matches %s", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Removed %d ban(s)\n", removed)
	return nil
}

func (c *CLI) printBans(ctx context.Context) error {
	bans, err := c.moderator.Bans(ctx)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "IP", "UUID", "Reason", "By", "Expires"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, b := range bans {
		expires := "never"
		if b.ExpiresAt != nil {
			expires = b.ExpiresAt.Format(time.RFC3339)
		}
		tw.Append([]string{
			strconv.FormatInt(b.ID, 10),
			orDash(b.IP),
			orDash(b.UUID),
			orDash(b.Reason),
			orDash(b.BannedBy),
			expires,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	// Numbers and booleans arrive as JSON literals, anything else is a string.
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	if err := c.cfg.UpdateProxyField(key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	if c.eventBus != nil {
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventConfigChanged,
			Source: "cli",
			Payload: events.ConfigChangedPayload{
				Section: "proxy",
				Key:     key,
				Value:   value,
			},
		})
	}

	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, raw)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
