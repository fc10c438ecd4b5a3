package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	archsock "github.com/oriaj-nocrala/archsock"
	"github.com/oriaj-nocrala/archsock/internal/commands"
	"github.com/oriaj-nocrala/archsock/internal/config"
)

var (
	name          string
	tcpPort       int
	discoveryPort int
	configPath    string
	verbose       int
)

var rootCmd = &cobra.Command{
	Use:   "archsock",
	Short: "A peer-to-peer LAN messenger",
	Long: `archsock is a peer-to-peer LAN messenger. Instances on the same
network discover each other automatically; connect to a peer to exchange
chat messages and files.

Commands inside the chat:
  /peers              list known peers
  /connect <n>        connect to peer number n
  /disconnect <n>     disconnect from peer number n
  /msg <n> <text>     send a message to peer number n
  /file <n> <path>    send a file to peer number n
  /probe              ask all peers to announce themselves now
  /me                 show own identity
  /quit               exit`,
	RunE: runChat,
}

func init() {
	rootCmd.Flags().StringVarP(&name, "name", "n", "", "Display name (default: hostname)")
	rootCmd.Flags().IntVarP(&tcpPort, "tcp-port", "p", 0, "Data channel port (default: 6969)")
	rootCmd.Flags().IntVarP(&discoveryPort, "discovery-port", "d", 0, "Discovery port (default: 6968)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	rootCmd.Flags().CountVarP(&verbose, "verbose", "v", "Verbose output (can be specified multiple times: -v, -vv)")

	rootCmd.AddCommand(commands.VersionCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Merge(name, tcpPort, discoveryPort, verbose)
	if cfg.Messenger.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to resolve hostname for default name: %w", err)
		}
		cfg.Messenger.Name = hostname
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	msgr, err := archsock.NewWithConfig(cfg)
	if err != nil {
		return err
	}

	archsock.RegisterObserver(printEvent)
	defer archsock.RegisterObserver(nil)

	if err := msgr.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer msgr.Close()

	fmt.Printf("%s (%s) on %s, files land in %s\n",
		msgr.Name(), shortID(msgr.ID()), msgr.LocalIP(), msgr.DownloadDir())
	fmt.Println("Type /peers to list peers, /quit to exit.")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var listed []archsock.PeerInfo
	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit := handleLine(msgr, strings.TrimSpace(line), &listed)
			if quit {
				return nil
			}
		}
	}
}

func handleLine(msgr *archsock.Messenger, line string, listed *[]archsock.PeerInfo) (quit bool) {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true

	case "/peers":
		*listed = msgr.Peers()
		if len(*listed) == 0 {
			fmt.Println("no peers known yet")
			return false
		}
		for i, p := range *listed {
			fmt.Printf("%3d  %-20s %-12s %s\n", i+1, p.Name, p.Status, shortID(p.ID))
		}

	case "/connect":
		if p, ok := pickPeer(fields, *listed); ok {
			report(msgr.Connect(p.ID))
		}

	case "/disconnect":
		if p, ok := pickPeer(fields, *listed); ok {
			report(msgr.Disconnect(p.ID))
		}

	case "/msg":
		if len(fields) < 3 {
			fmt.Println("usage: /msg <n> <text>")
			return false
		}
		if p, ok := pickPeer(fields[:2], *listed); ok {
			_, err := msgr.SendText(p.ID, strings.Join(fields[2:], " "))
			report(err)
		}

	case "/file":
		if len(fields) != 3 {
			fmt.Println("usage: /file <n> <path>")
			return false
		}
		if p, ok := pickPeer(fields[:2], *listed); ok {
			_, err := msgr.SendFile(p.ID, fields[2])
			report(err)
		}

	case "/probe":
		report(msgr.Discover())

	case "/me":
		fmt.Printf("name: %s\nid:   %s\nip:   %s\n", msgr.Name(), msgr.ID(), msgr.LocalIP())

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

// pickPeer resolves "<cmd> <n>" against the last /peers listing.
func pickPeer(fields []string, listed []archsock.PeerInfo) (archsock.PeerInfo, bool) {
	if len(fields) != 2 {
		fmt.Printf("usage: %s <n>\n", fields[0])
		return archsock.PeerInfo{}, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 || n > len(listed) {
		fmt.Println("no such peer; run /peers first")
		return archsock.PeerInfo{}, false
	}
	return listed[n-1], true
}

func report(err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func printEvent(ev archsock.Event) {
	switch ev.Kind {
	case archsock.EventPeerDiscovered:
		fmt.Printf("* discovered %s (%s)\n", ev.PeerName, shortID(ev.PeerID))
	case archsock.EventPeerConnected:
		fmt.Printf("* connected to %s\n", ev.PeerName)
	case archsock.EventPeerDisconnected:
		fmt.Printf("* disconnected from %s\n", ev.PeerName)
	case archsock.EventMessageReceived:
		fmt.Printf("<%s> %s\n", ev.PeerName, ev.Message)
	case archsock.EventFileReceived:
		fmt.Printf("* received file from %s: %s\n", ev.PeerName, ev.Message)
	case archsock.EventError:
		fmt.Printf("! %s\n", ev.Message)
	case archsock.EventTransferProgress:
		if ev.Transfer != nil && ev.Transfer.Total > 0 && ev.Transfer.Bytes == ev.Transfer.Total {
			fmt.Printf("* transfer %s complete (%d bytes)\n", ev.Transfer.Name, ev.Transfer.Total)
		}
	}
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "…" + id[len(id)-6:]
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
