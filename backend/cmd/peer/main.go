package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codeCollab/backend/config"
	"codeCollab/backend/internal/control"
	"codeCollab/backend/internal/logging"
	"codeCollab/backend/internal/presence"
	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/syncclient"
	"codeCollab/backend/internal/wire"
)

const PeerVersion = "0.1.0"

func main() {
	usage := `Collaborative code buffer peer.

Joins a room on the relay, prints every document/peer/status/control change
and reads editing commands from stdin.

Usage:
    peer join <room> --name=<name> [--relay=<url>] [--redis=<addr>]
        [--language=<lang>] [--config=<name>] [--log=<level>]
    peer -h | --help
    peer --version

Commands (stdin):
    :open [full] | :close | :full on|off     shared editor control
    :lang <javascript|python|cpp|java>
    :ins <pos> <text>   :del <pos> <len>
    :cursor <anchor> <head>
    :peers | :text | :state | :quit
    any other line is appended to the document

Options:
    -h --help            Show this screen.
    --version            Show version.
    --name=<name>        Display name, used as identity.
    --relay=<url>        Relay base url, e.g. ws://127.0.0.1:8080.
    --redis=<addr>       Redis address for the control channel; in-process only when omitted.
    --language=<lang>    Initial language [default: javascript].
    --config=<name>      Config file name [default: relayConfig].
    --log=<level>        Log level [default: warn].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PeerVersion)
	if err != nil {
		log.Fatalf("parse args: %v", err)
	}
	if join, _ := opts.Bool("join"); join {
		if err := joinRoom(opts); err != nil {
			log.Fatalf("peer: %v", err)
		}
	}
}

func joinRoom(opts docopt.Opts) error {
	room, _ := opts.String("<room>")
	name, _ := opts.String("--name")
	langName, _ := opts.String("--language")
	cfgName, _ := opts.String("--config")
	level, _ := opts.String("--log")

	cfg, err := config.Load(cfgName)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	relay := cfg.Sync.RelayURL
	if v, err := opts.String("--relay"); err == nil && v != "" {
		relay = v
	}
	lang, err := wire.ParseLanguage(langName)
	if err != nil {
		return err
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 控制面：配置了 Redis 就走 Redis Pub/Sub，否则只在本进程内生效
	var ch control.DataChannel = control.NewMemoryBus(false)
	if addr, err := opts.String("--redis"); err == nil && addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		ch = control.NewRedisChannel(rdb, room, logger)
	}

	s, err := session.New(session.Options{
		RoomID:    room,
		Identity:  name,
		Language:  lang,
		SeedDelay: cfg.Sync.SeedDelay,
		Control:   ch,
		Logger:    logger,
		Sync: syncclient.Options{
			RelayURL:       relay,
			ReconnectDelay: cfg.Sync.ReconnectDelay,
			PingInterval:   cfg.Sync.PingInterval,
			ReadTimeout:    cfg.Sync.ReadTimeout,
			WriteTimeout:   cfg.Sync.WriteTimeout,
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	out := os.Stdout
	s.OnConnectionStatus(func(st syncclient.Status) { fmt.Fprintf(out, "[status] %s\n", st) })
	s.OnDocumentChanged(func(text string) { fmt.Fprintf(out, "[doc] %q\n", text) })
	s.OnPeerListChanged(func(peers []presence.State) { fmt.Fprintf(out, "[peers] %s\n", peerNames(peers)) })
	s.OnLanguageChanged(func(l wire.Language) { fmt.Fprintf(out, "[lang] %s\n", l) })
	s.OnSessionControlFact(func(_ context.Context, f control.Fact, st control.State) {
		fmt.Fprintf(out, "[control] %s by %s -> %s\n", f.Kind, f.Initiator, st)
	})

	if err := s.Start(ctx); err != nil {
		return err
	}
	logger.Info("joined", zap.String("room", room), zap.String("relay", relay), zap.String("peer", s.PeerID()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runCommand(ctx, s, line, out)
			if err != nil {
				fmt.Fprintf(out, "[error] %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func peerNames(peers []presence.State) string {
	names := make([]string, len(peers))
	for i, p := range peers {
		names[i] = p.Identity
	}
	return strings.Join(names, ", ")
}
