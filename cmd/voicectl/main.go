// Command voicectl drives the voice bot's MCP tools from a shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/mcp"
)

const (
	defaultAddr    = "http://127.0.0.1:9010"
	defaultTimeout = 30 * time.Second
)

type ctlConfig struct {
	Addr      string
	Timeout   time.Duration
	JSON      bool
	Command   string
	AccountID string
	GuildID   string
	ChannelID string
	UserID    string
}

var commands = map[string]string{
	"join":        mcp.ToolJoin,
	"leave":       mcp.ToolLeave,
	"subscribe":   mcp.ToolSubscribe,
	"unsubscribe": mcp.ToolUnsubscribe,
	"status":      mcp.ToolStatus,
}

const usage = "usage: voicectl [flags] join|leave|subscribe|unsubscribe|status"

func parseConfig(args []string, getenv func(string) string) (ctlConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	addr := strings.TrimSpace(getenv("VOICECTL_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}

	cfg := ctlConfig{}
	fs := flag.NewFlagSet("voicectl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Addr, "addr", addr, "bot control address (or VOICECTL_ADDR)")
	fs.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "overall timeout (e.g. 30s)")
	fs.BoolVar(&cfg.JSON, "json", false, "print the structured result instead of text")
	fs.StringVar(&cfg.AccountID, "account", "", "account id; empty uses the default account")
	fs.StringVar(&cfg.GuildID, "guild", "", "guild id")
	fs.StringVar(&cfg.ChannelID, "channel", "", "voice channel id")
	fs.StringVar(&cfg.UserID, "user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return ctlConfig{}, err
	}
	if fs.NArg() != 1 {
		return ctlConfig{}, errors.New(usage)
	}
	cfg.Command = strings.ToLower(fs.Arg(0))
	if _, ok := commands[cfg.Command]; !ok {
		return ctlConfig{}, fmt.Errorf("unknown command %q; %s", cfg.Command, usage)
	}
	if cfg.Timeout <= 0 {
		return ctlConfig{}, errors.New("timeout must be > 0")
	}
	return cfg, nil
}

// toolArgs builds the arguments for the command's tool. Unused ids are
// dropped so the server reports what is missing.
func toolArgs(cfg ctlConfig) any {
	switch cfg.Command {
	case "join":
		return mcp.JoinArgs{AccountID: cfg.AccountID, GuildID: cfg.GuildID, ChannelID: cfg.ChannelID}
	case "leave":
		return mcp.LeaveArgs{AccountID: cfg.AccountID, GuildID: cfg.GuildID}
	case "status":
		return mcp.StatusArgs{AccountID: cfg.AccountID, GuildID: cfg.GuildID, UserID: cfg.UserID}
	default:
		return mcp.SubscriptionArgs{AccountID: cfg.AccountID, GuildID: cfg.GuildID, ChannelID: cfg.ChannelID, UserID: cfg.UserID}
	}
}

func run(ctx context.Context, cfg ctlConfig, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	c := mcp.NewClientWrapper("voicectl", "dev")
	if err := c.ConnectWebSocket(ctx, cfg.Addr); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Addr, err)
	}
	defer c.Close()

	text, structured, err := c.CallTool(ctx, commands[cfg.Command], toolArgs(cfg))
	if err != nil {
		return err
	}
	if cfg.JSON && len(structured) > 0 {
		_, err = fmt.Fprintln(out, string(structured))
		return err
	}
	_, err = fmt.Fprintln(out, text)
	return err
}

func main() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	logging.InitLevel(level)
	cfg, err := parseConfig(os.Args[1:], nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
