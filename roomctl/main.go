package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/liveroom/liveroom/room"
)

const RoomCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	godotenv.Load()

	usage := `Room control.

The default urls are taken from the environment:
    ROOM_ENDPOINT_URL (e.g. wss://rooms.example.com)
    ROOM_AUTH_URL
    ROOM_PUBLIC_KEY

Usage:
    roomctl join [--endpoint_url=<endpoint_url>]
        [--auth_url=<auth_url>]
        [--public_key=<public_key>]
        <room_id>
    roomctl broadcast [--endpoint_url=<endpoint_url>]
        [--auth_url=<auth_url>]
        [--public_key=<public_key>]
        <room_id>
        <message>
    roomctl storage [--endpoint_url=<endpoint_url>]
        [--auth_url=<auth_url>]
        [--public_key=<public_key>]
        <room_id>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --endpoint_url=<endpoint_url>
    --auth_url=<auth_url>
    --public_key=<public_key>      Public api key for public auth.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RoomCtlVersion)
	if err != nil {
		panic(err)
	}

	if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if broadcast_, _ := opts.Bool("broadcast"); broadcast_ {
		broadcast(opts)
	} else if storage_, _ := opts.Bool("storage"); storage_ {
		storage(opts)
	}
}

func settingsFromOpts(opts docopt.Opts) *room.RoomSettings {
	settings := room.DefaultRoomSettings()

	settings.EndpointUrl = os.Getenv("ROOM_ENDPOINT_URL")
	if endpointUrl, err := opts.String("--endpoint_url"); err == nil && endpointUrl != "" {
		settings.EndpointUrl = endpointUrl
	}

	authUrl := os.Getenv("ROOM_AUTH_URL")
	if authUrl_, err := opts.String("--auth_url"); err == nil && authUrl_ != "" {
		authUrl = authUrl_
	}
	publicKey := os.Getenv("ROOM_PUBLIC_KEY")
	if publicKey_, err := opts.String("--public_key"); err == nil && publicKey_ != "" {
		publicKey = publicKey_
	}

	if publicKey != "" {
		settings.Authenticate = room.PublicAuth(authUrl, publicKey)
	} else {
		settings.Authenticate = room.PrivateAuth(authUrl)
	}
	return settings
}

// join connects, tails room events, and when stdin is a terminal reads
// key=value lines as presence updates.
func join(opts docopt.Opts) {
	roomId, _ := opts.String("<room_id>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := room.NewRoom(cancelCtx, roomId, settingsFromOpts(opts))

	r.SubscribeConnection(func(status room.ConnectionStatus) {
		Out.Printf("connection: %s", status)
	})
	r.SubscribeError(func(err error) {
		Err.Printf("error: %s", err)
	})
	r.SubscribeOthers(func(event *room.OthersEvent) {
		switch event.Type {
		case room.OthersReset:
			Out.Printf("others: reset (%d visible)", len(event.Others))
		default:
			Out.Printf("others: %s %d (%d visible)", event.Type, event.User.ConnectionId, len(event.Others))
		}
	})
	r.SubscribeEvent(func(event *room.CustomEvent) {
		Out.Printf("event from %d: %v", event.ConnectionId, event.Event)
	})

	r.Connect()

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		select {}
	}

	Out.Printf("enter key=value lines to update presence")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			Out.Printf("expected key=value, got %q", line)
			continue
		}
		r.UpdatePresence(room.Presence{key: value}, nil)
	}
}

// broadcast connects, sends one event, and exits after the flush window.
func broadcast(opts docopt.Opts) {
	roomId, _ := opts.String("<room_id>")
	message, _ := opts.String("<message>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := room.NewRoom(cancelCtx, roomId, settingsFromOpts(opts))
	r.Connect()

	r.Broadcast(message, &room.BroadcastOptions{
		ShouldQueueEventIfNotReady: true,
	})

	time.Sleep(2 * time.Second)
	r.Disconnect()
	Out.Printf("sent")
}

// storage connects, loads the storage tree and prints a snapshot.
func storage(opts docopt.Opts) {
	roomId, _ := opts.String("<room_id>")

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r := room.NewRoom(cancelCtx, roomId, settingsFromOpts(opts))
	r.Connect()

	root, err := r.GetStorage(cancelCtx)
	if err != nil {
		Err.Printf("storage load failed: %s", err)
		os.Exit(1)
	}
	fmt.Printf("%v\n", root.ToObject())
	r.Disconnect()
}
