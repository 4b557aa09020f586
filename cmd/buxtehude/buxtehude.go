// Program buxtehude is a command-line utility for hosting and talking to
// buxtehude message brokers.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/buxtehude/buxtehude"
)

var serveFlags struct {
	Unix   string `flag:"unix,Unix socket path to listen on"`
	TCP    string `flag:"tcp,TCP address to listen on (host:port)"`
	MaxLen uint   `flag:"max-len,Maximum message length in bytes"`
	Debug  bool   `flag:"debug,Enable debug logging"`
}

var sendFlags struct {
	Addr      string `flag:"addr,Broker address (unix path or host:port)"`
	Team      string `flag:"team,default=sender,Team name to identify as"`
	Dest      string `flag:"dest,Destination team name"`
	Type      string `flag:"type,Message type"`
	Content   string `flag:"content,Message content as JSON"`
	OnlyFirst bool   `flag:"only-first,Deliver to at most one recipient"`
	Msgpack   bool   `flag:"msgpack,Request MessagePack encoding for replies"`
}

var listenFlags struct {
	Addr  string `flag:"addr,Broker address (unix path or host:port)"`
	Team  string `flag:"team,default=listener,Team name to identify as"`
	Types string `flag:"types,Comma-separated message types to print"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for hosting and talking to buxtehude brokers.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Host a broker on a unix socket, a TCP address, or both.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "send",
				Help:     "Connect to a broker and send a single message.",
				SetFlags: command.Flags(flax.MustBind, &sendFlags),
				Run:      runSend,
			},
			{
				Name:     "listen",
				Help:     "Connect to a broker and print messages as they arrive.",
				SetFlags: command.Flags(flax.MustBind, &listenFlags),
				Run:      runListen,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	if serveFlags.Unix == "" && serveFlags.TCP == "" {
		return env.Usagef("at least one of --unix and --tcp is required")
	}
	level := slog.LevelInfo
	if serveFlags.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []buxtehude.ServerOption{buxtehude.WithLogger(log)}
	if serveFlags.MaxLen > 0 {
		opts = append(opts, buxtehude.WithMaxMessageLength(uint32(serveFlags.MaxLen)))
	}
	srv := buxtehude.NewServer(opts...)
	if serveFlags.Unix != "" {
		if err := srv.ListenUnix(serveFlags.Unix); err != nil {
			return err
		}
	}
	if serveFlags.TCP != "" {
		if err := srv.ListenTCP(serveFlags.TCP); err != nil {
			return err
		}
	}
	waitForSignal()
	return srv.Close()
}

func runSend(env *command.Env) error {
	if sendFlags.Addr == "" {
		return env.Usagef("the --addr flag is required")
	}
	if sendFlags.Type == "" {
		return env.Usagef("the --type flag is required")
	}
	var content any
	if sendFlags.Content != "" {
		if err := json.Unmarshal([]byte(sendFlags.Content), &content); err != nil {
			return fmt.Errorf("invalid --content: %w", err)
		}
	}
	var copts []buxtehude.ClientOption
	if sendFlags.Msgpack {
		copts = append(copts, buxtehude.WithFormat(buxtehude.FormatMsgpack))
	}
	c := buxtehude.NewClient(sendFlags.Team, copts...)
	if err := c.Dial(sendFlags.Addr); err != nil {
		return err
	}
	defer c.Close()
	return c.Write(buxtehude.Message{
		Type:      sendFlags.Type,
		Dest:      sendFlags.Dest,
		Content:   content,
		OnlyFirst: sendFlags.OnlyFirst,
	})
}

func runListen(env *command.Env) error {
	if listenFlags.Addr == "" {
		return env.Usagef("the --addr flag is required")
	}
	if listenFlags.Types == "" {
		return env.Usagef("the --types flag is required")
	}
	c := buxtehude.NewClient(listenFlags.Team)
	if err := c.Dial(listenFlags.Addr); err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(os.Stdout)
	print := func(_ *buxtehude.Client, m *buxtehude.Message) { enc.Encode(m) }
	for _, typ := range strings.Split(listenFlags.Types, ",") {
		c.Handle(strings.TrimSpace(typ), print)
	}
	if err := c.Run(); err != nil {
		return err
	}
	waitForSignal()
	return nil
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
