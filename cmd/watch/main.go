// Syncwatch client: joins a watch-party room from the terminal.
//
// The client keeps a simulated player in sync with the room, links directly
// to every other member over WebRTC and carries chat over those links.
//
// It can be launched interactively (missing values are prompted for) or
// non-interactively via flags (-server, -room, -user, -stun, -debug).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/syncwatch/internal/app"
	"github.com/1ureka/syncwatch/internal/config"
	"github.com/1ureka/syncwatch/internal/peer"
	"github.com/1ureka/syncwatch/internal/player"
	"github.com/1ureka/syncwatch/internal/util"
)

var version = "dev"

var errQuit = errors.New("quit")

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		util.LogWarning("failed to read .env: %v", err)
	}

	server := flag.String("server", os.Getenv("SYNCWATCH_SERVER"), "Relay URL (ws://, wss://, http:// or https://)")
	room := flag.String("room", "", "Room ID to join")
	user := flag.String("user", "", "Display name")
	stun := flag.String("stun", "", "Comma-separated STUN URLs (default: Google public STUN)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if _, err := util.SetupLogger(util.BackendPterm, "watch", *debugMode); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Syncwatch v%s", version))
	pterm.Println()

	cfg := &config.Client{
		ServerURL: ask(*server, "Relay URL (e.g. ws://localhost:4000/ws)"),
		RoomID:    ask(*room, "Room ID"),
		Username:  ask(*user, "Your name"),
		Debug:     *debugMode,
	}
	if *stun != "" {
		cfg.STUN = lo.Map(strings.Split(*stun, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	sess := app.NewSession(cfg, player.New())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	g.Go(func() error { return printEvents(gctx, sess) })
	g.Go(func() error { return readCommands(gctx, sess, os.Stdin) })

	printHelp()
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("left room %s", cfg.RoomID)
}

// ---------------------------------------------------------------------------
// Input
// ---------------------------------------------------------------------------

// readCommands handles one line of input at a time until /quit or EOF.
func readCommands(ctx context.Context, sess *app.Session, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := handleLine(sess, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

func handleLine(sess *app.Session, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, n, err := sess.SendChat(line)
		if err != nil {
			util.LogWarning("%v", err)
		} else if n == 0 {
			util.LogWarning("no peers connected; message kept locally")
		}
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/load":
		ref, err := sess.LoadVideo(arg)
		if err != nil {
			util.LogWarning("%v", err)
			return nil
		}
		util.LogSuccess("loaded %s", ref)
	case "/play":
		sess.Play()
	case "/pause":
		sess.Pause()
	case "/seek":
		sec, err := strconv.ParseFloat(arg, 64)
		if err != nil || sec < 0 {
			util.LogWarning("usage: /seek <seconds>")
			return nil
		}
		if err := sess.Seek(sec); err != nil {
			util.LogWarning("seek not announced: %v", err)
		}
	case "/peers":
		printPeers(sess)
	case "/status":
		printStatus(sess)
	case "/quit":
		return errQuit
	default:
		printHelp()
	}
	return nil
}

// ask returns value, or prompts for it until a non-empty answer is given.
func ask(value, prompt string) string {
	for strings.TrimSpace(value) == "" {
		value, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		pterm.Println()
	}
	return value
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printEvents(ctx context.Context, sess *app.Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sess.Events():
			switch ev.Kind {
			case app.EventStatus:
				util.LogInfo("relay %s", ev.Status)
			case app.EventChat:
				pterm.Printfln("%s %s: %s", pterm.Gray(ev.Chat.Timestamp.Format("15:04")), pterm.Cyan(ev.Chat.Username), ev.Chat.Message)
			case app.EventNotice:
				util.LogInfo("%s", ev.Text)
			case app.EventPlayerError:
				util.LogError("%s", ev.Text)
			case app.EventPeers:
				util.LogDebug("peer links changed")
			}
		}
	}
}

func printPeers(sess *app.Session) {
	links := sess.Links()
	if len(links) == 0 {
		util.LogInfo("no peer links")
		return
	}
	rows := pterm.TableData{{"Peer", "Name", "Connection", "Channel"}}
	for _, l := range links {
		rows = append(rows, []string{l.PeerID, l.Username, l.State.String(), l.Channel.String()})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	open := lo.CountBy(links, func(l peer.LinkInfo) bool { return l.Channel == peer.ChannelOpen })
	util.LogInfo("%d of %d side-channels open", open, len(links))
}

func printStatus(sess *app.Session) {
	st := sess.Player()
	state := "paused"
	if st.IsPlaying {
		state = "playing"
	}
	video := st.VideoRef
	if video == "" {
		video = "(none)"
	}
	util.LogInfo("relay: %s | you: %s | members: %d", sess.Status(), sess.Self(), len(sess.Members())+1)
	util.LogInfo("video: %s | %s at %.1fs", video, state, st.PositionSeconds)
}

func printHelp() {
	util.LogInfo("commands: /load <url|id>, /play, /pause, /seek <seconds>, /peers, /status, /quit; anything else is chat")
}
