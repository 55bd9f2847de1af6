package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatkit/internal/api"
	"github.com/matheus3301/chatkit/internal/config"
	"github.com/matheus3301/chatkit/internal/lock"
	"github.com/matheus3301/chatkit/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "init" {
		cmdInit()
		return
	}

	layout, err := session.New(session.Resolve(*sessionFlag))
	if err != nil {
		fatal(err)
	}
	if args[0] == "lock" {
		cmdLock(layout)
		return
	}

	c, err := api.Dial(layout.SocketPath())
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon for session %q: %w", layout.Name, err))
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "watch":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
		return
	case "watch-channel":
		if len(args) < 2 {
			fatal(errors.New("usage: chatctl watch-channel <cid>"))
		}
		cmdStream(func(ctx context.Context) (*api.EventWatcher, error) { return c.WatchChannel(ctx, args[1]) })
		return
	case "watch-channels":
		cmdStream(c.WatchChannels)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp *structpb.Struct
	switch args[0] {
	case "status":
		resp, err = c.GetConnectionState(ctx)
	case "connect":
		resp, err = c.Reconnect(ctx)
	case "disconnect":
		resp, err = c.Disconnect(ctx)
	case "channels":
		resp, err = c.ListChannels(ctx, intArg(args, 1, 20))
	case "messages":
		if len(args) < 2 {
			fatal(errors.New("usage: chatctl messages <cid> [limit]"))
		}
		resp, err = c.ListMessages(ctx, args[1], intArg(args, 2, 20))
	case "send":
		if len(args) < 3 {
			fatal(errors.New("usage: chatctl send <cid> <text...>"))
		}
		resp, err = c.SendMessage(ctx, args[1], strings.Join(args[2:], " "))
	case "react", "unreact":
		if len(args) < 3 {
			fatal(fmt.Errorf("usage: chatctl %s <message-id> <type>", args[0]))
		}
		if args[0] == "react" {
			resp, err = c.React(ctx, args[1], args[2])
		} else {
			resp, err = c.Unreact(ctx, args[1], args[2])
		}
	case "create-channel":
		if len(args) < 2 {
			fatal(errors.New("usage: chatctl create-channel <type[:id]> [member...]"))
		}
		typ, id, _ := strings.Cut(args[1], ":")
		resp, err = c.CreateChannel(ctx, typ, id, "", args[2:])
	case "push":
		if len(args) < 2 {
			fatal(errors.New("usage: chatctl push key=value..."))
		}
		payload := make(map[string]string, len(args)-1)
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				fatal(fmt.Errorf("invalid payload entry %q", kv))
			}
			payload[k] = v
		}
		resp, err = c.RemoteMessage(ctx, payload)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}

	if *jsonFlag {
		outputJSON(resp)
		return
	}
	switch args[0] {
	case "status", "connect", "disconnect":
		printState(resp)
	case "channels":
		printChannels(resp)
	case "messages":
		printMessages(resp)
	case "send":
		m := resp.GetFields()["message"].GetStructValue().GetFields()
		fmt.Printf("%s %s\n", m["id"].GetStringValue(), m["sync_status"].GetStringValue())
	case "react", "unreact":
		r := resp.GetFields()["reaction"].GetStructValue().GetFields()
		fmt.Printf("%s %s %s\n", r["message_id"].GetStringValue(), r["type"].GetStringValue(), r["sync_status"].GetStringValue())
	case "create-channel":
		ch := resp.GetFields()["channel"].GetStructValue().GetFields()
		fmt.Printf("%s %s\n", ch["cid"].GetStringValue(), ch["sync_status"].GetStringValue())
	case "push":
		if resp.GetFields()["shown"].GetBoolValue() {
			fmt.Println("notification shown")
		} else {
			fmt.Println("already notified")
		}
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init                    Write a default config file")
	fmt.Fprintln(os.Stderr, "  lock                    Show which process holds the session")
	fmt.Fprintln(os.Stderr, "  status                  Show connection state")
	fmt.Fprintln(os.Stderr, "  connect                 Force a reconnect")
	fmt.Fprintln(os.Stderr, "  disconnect              Disconnect until the next connect")
	fmt.Fprintln(os.Stderr, "  channels [limit]        List cached channels")
	fmt.Fprintln(os.Stderr, "  messages <cid> [limit]  List cached messages of a channel")
	fmt.Fprintln(os.Stderr, "  send <cid> <text...>    Send a message")
	fmt.Fprintln(os.Stderr, "  react <msg-id> <type>   Add a reaction")
	fmt.Fprintln(os.Stderr, "  unreact <msg-id> <type> Remove a reaction")
	fmt.Fprintln(os.Stderr, "  create-channel <type[:id]> [member...]")
	fmt.Fprintln(os.Stderr, "                          Create a channel")
	fmt.Fprintln(os.Stderr, "  push key=value...       Deliver a push payload (message_id, cid, title, body)")
	fmt.Fprintln(os.Stderr, "  watch [prefix]          Stream daemon events")
	fmt.Fprintln(os.Stderr, "  watch-channel <cid>     Stream updates of one channel")
	fmt.Fprintln(os.Stderr, "  watch-channels          Stream changes to your channel list")
}

func cmdInit() {
	path := session.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fatal(fmt.Errorf("%s already exists", path))
	}
	if err := config.Save(path, config.Default()); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s; fill in the [client] section\n", path)
}

func cmdLock(l session.Layout) {
	owner, err := lock.Inspect(l.Dir())
	if err != nil {
		fatal(err)
	}
	if owner.PID == 0 {
		fmt.Printf("session %s is not locked\n", l.Name)
		return
	}
	fmt.Printf("session %s locked by pid %d since %s\n", l.Name, owner.PID, owner.Since.Local().Format(time.DateTime))
}

func cmdWatch(c *api.Client, prefix string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	w, err := c.WatchEvents(ctx, prefix)
	if err != nil {
		fatal(err)
	}
	for {
		evt, err := w.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		if err != nil {
			fatal(err)
		}
		f := evt.GetFields()
		payload, _ := protojson.Marshal(f["payload"])
		fmt.Printf("%s %-24s %s\n", f["ts"].GetStringValue(), f["kind"].GetStringValue(), payload)
	}
}

// cmdStream prints every message of a server stream as one JSON line.
func cmdStream(open func(context.Context) (*api.EventWatcher, error)) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	w, err := open(ctx)
	if err != nil {
		fatal(err)
	}
	for {
		msg, err := w.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		if err != nil {
			fatal(err)
		}
		data, err := protojson.Marshal(msg)
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(data))
	}
}

func printState(resp *structpb.Struct) {
	f := resp.GetFields()
	fmt.Printf("Session: %s\n", f["session"].GetStringValue())
	fmt.Printf("State:   %s\n", f["detail"].GetStringValue())
	if e := f["error"].GetStringValue(); e != "" {
		fmt.Printf("Error:   %s\n", e)
	}
	fmt.Printf("Unread:  %d in %d channels\n", int(f["total_unread"].GetNumberValue()), int(f["unread_channels"].GetNumberValue()))
	fmt.Printf("Uptime:  %s\n", time.Duration(f["uptime_ms"].GetNumberValue())*time.Millisecond)
}

func printChannels(resp *structpb.Struct) {
	channels := resp.GetFields()["channels"].GetListValue().GetValues()
	if len(channels) == 0 {
		fmt.Println("No channels cached.")
		return
	}
	for _, v := range channels {
		f := v.GetStructValue().GetFields()
		fmt.Printf("%-32s %-24s %s\n", f["cid"].GetStringValue(), f["name"].GetStringValue(), f["last_message_at"].GetStringValue())
	}
}

func printMessages(resp *structpb.Struct) {
	for _, v := range resp.GetFields()["messages"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		user := f["user"].GetStructValue().GetFields()["id"].GetStringValue()
		fmt.Printf("%s %-12s %s\n", f["created_at"].GetStringValue(), user, f["text"].GetStringValue())
	}
}

func intArg(args []string, i, def int) int {
	if len(args) <= i {
		return def
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		fatal(fmt.Errorf("invalid number %q", args[i]))
	}
	return n
}

func outputJSON(v *structpb.Struct) {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
