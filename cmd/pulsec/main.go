package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/InsulaLabs/pulse/client"
	"github.com/InsulaLabs/pulse/models"
	"github.com/fatih/color"
)

var (
	logger   *slog.Logger
	endpoint string
	verbose  bool
)

func init() {
	flag.StringVar(&endpoint, "endpoint", "127.0.0.1:8081", "Service endpoint (host:port or full URL)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
}

func getClient() (*client.Client, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return client.NewClient(&client.Config{
		Endpoint: endpoint,
		Timeout:  10 * time.Second,
		Logger:   logger,
	})
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cli, err := getClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize client: %v\n", err)
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "users":
		handleUsers(cli)
	case "send":
		handleSend(cli, cmdArgs)
	case "broadcast":
		handleBroadcast(cli, cmdArgs)
	case "listen":
		handleListen(cli, cmdArgs)
	default:
		color.Red("Unknown command: %s", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pulsec [flags] <command> [args...]")
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println("Commands:")
	fmt.Println("  users                                  List currently connected users")
	fmt.Println("  send <user> <message> [eventType]      Send a message to one user")
	fmt.Println("  broadcast <message> [eventType]        Send a message to all users")
	fmt.Println("  listen <user> [tabs]                   Subscribe as <user> with N local tabs (default 1)")
}

func handleUsers(cli *client.Client) {
	users, err := cli.ConnectedUsers()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	color.Green("%d user(s) connected", len(users))
	for _, u := range users {
		fmt.Println("  " + u)
	}
}

func handleSend(cli *client.Client, args []string) {
	if len(args) < 2 {
		color.Red("Usage: send <user> <message> [eventType]")
		os.Exit(1)
	}
	eventType := ""
	if len(args) > 2 {
		eventType = args[2]
	}

	resp, err := cli.NotifyUser(args[0], args[1], eventType)
	if errors.Is(err, client.ErrUserNotConnected) {
		color.Yellow("User %s is not connected", args[0])
		return
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	color.Green("%s", resp.Message)
}

func handleBroadcast(cli *client.Client, args []string) {
	if len(args) < 1 {
		color.Red("Usage: broadcast <message> [eventType]")
		os.Exit(1)
	}
	eventType := ""
	if len(args) > 1 {
		eventType = args[1]
	}

	resp, err := cli.Broadcast(args[0], eventType)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	color.Green("%s", resp.Message)
}

// handleListen runs N subscribers on one bus to show the single-leader
// behavior: exactly one tab holds the server stream, the rest receive
// relayed copies. Kill it with Ctrl-C.
func handleListen(cli *client.Client, args []string) {
	if len(args) < 1 {
		color.Red("Usage: listen <user> [tabs]")
		os.Exit(1)
	}
	userID := args[0]

	tabs := 1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			color.Red("tabs must be a positive integer")
			os.Exit(1)
		}
		tabs = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := client.NewBus(logger)
	defer bus.Close()

	subs := make([]*client.Subscriber, 0, tabs)
	for i := 0; i < tabs; i++ {
		tabNum := i
		sub := client.NewSubscriber(cli, bus, userID, client.ElectorConfig{})
		sub.OnAny(func(env models.Envelope) {
			role := "follower"
			if sub.IsLeader() {
				role = color.CyanString("leader")
			}
			fmt.Printf("[tab %d, %s] %s %s\n", tabNum, role, color.GreenString(string(env.Event)), string(env.Data))
		})
		if err := sub.Connect(ctx); err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
		subs = append(subs, sub)
	}

	color.White("Listening as %s with %d tab(s). Ctrl-C to stop.", userID, tabs)
	<-ctx.Done()

	for _, sub := range subs {
		sub.Disconnect()
	}
}
