// Command corrchat is a terminal chat client/server pair built on the
// Server/Peer API, exercising correspondences, subject routing, and the
// transport adapters end to end the way a thin demo app would.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/elementbound/nlon/correspondence"
	"github.com/elementbound/nlon/message"
	"github.com/elementbound/nlon/peer"
	"github.com/elementbound/nlon/server"
	"github.com/elementbound/nlon/transport"
	"github.com/elementbound/nlon/wirelog"
)

const chatSubject = "chat"

type chatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
}

var cli struct {
	Serve struct {
		Address string `default:":7892" help:"address to listen on"`
		LogFile string `default:"corrchat-server.log" help:"rotating log file"`
		Debug   bool   `default:"false" help:"enable debug logging"`
	} `cmd:"" help:"host a chat room"`

	Connect struct {
		Address string `default:"localhost:7892" help:"server address to dial"`
		Name    string `default:"anonymous" help:"display name used in sent messages"`
	} `cmd:"" help:"join a chat room"`
}

func main() {
	ctx := kong.Parse(&cli)
	switch ctx.Command() {
	case "serve":
		runServe()
	case "connect":
		runConnect()
	default:
		ctx.FatalIfErrorf(fmt.Errorf("unknown command %q", ctx.Command()))
	}
}

func runServe() {
	fileLogger := &lumberjack.Logger{
		Filename:   cli.Serve.LogFile,
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     7,
	}
	defer fileLogger.Close()
	logger := wirelog.New(io.MultiWriter(fileLogger, os.Stderr), cli.Serve.Debug)

	room := newRoom()

	srv := server.New(server.WithLogger(logger))
	srv.Handle(chatSubject, room.handle)

	listener, err := transport.Listen(cli.Serve.Address)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen")
	}
	logger.Info().Str("address", cli.Serve.Address).Msg("chat server listening")

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		_ = listener.Close()
	}()

	for {
		stream, err := listener.Accept()
		if err != nil {
			if sigCtx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		srv.Connect(stream)
	}
}

// room tracks one open, unfinished correspondence per connected chat
// participant and fans every inbound chat message out to the rest.
type room struct {
	mu        sync.Mutex
	listeners map[string]correspondence.Writable
}

func newRoom() *room {
	return &room{listeners: make(map[string]correspondence.Writable)}
}

// handle keeps the correspondence open for the participant's whole
// session: every Data chunk it reads is a chatMessage to broadcast, and
// the correspondence itself doubles as the participant's broadcast
// target until the remote side sends Finish.
func (r *room) handle(ctx context.Context, corr *correspondence.Correspondence) error {
	r.join(corr)
	defer r.leave(corr.ID())

	seq := corr.All()
	for {
		body, ok, err := seq.Next(ctx)
		if err != nil || !ok {
			break
		}

		var chat chatMessage
		if err := json.Unmarshal(body, &chat); err != nil {
			continue
		}
		r.broadcast(corr.ID(), chat)
	}

	if corr.IsWritable() {
		return corr.Finish(nil)
	}
	return nil
}

func (r *room) join(w correspondence.Writable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[w.ID()] = w
}

func (r *room) leave(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

func (r *room) broadcast(fromID string, chat chatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, w := range r.listeners {
		if id == fromID {
			continue
		}
		_ = w.Write(chat)
	}
}

func runConnect() {
	logger := wirelog.Nop()

	stream, err := transport.Dial(context.Background(), cli.Connect.Address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}

	p := peer.New(stream, peer.WithLogger(logger))
	corr, err := p.Correspond(message.NewHeader("", chatSubject))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open correspondence: %v\n", err)
		os.Exit(1)
	}

	go printIncoming(corr)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := corr.Write(chatMessage{From: cli.Connect.Name, Text: line}); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			break
		}
	}

	_ = corr.Finish(nil)
	p.Disconnect()
}

func printIncoming(corr *correspondence.Correspondence) {
	seq := corr.All()
	for {
		body, ok, err := seq.Next(context.Background())
		if err != nil || !ok {
			return
		}
		var chat chatMessage
		if err := json.Unmarshal(body, &chat); err != nil {
			continue
		}
		fmt.Printf("%s: %s\n", chat.From, chat.Text)
	}
}
