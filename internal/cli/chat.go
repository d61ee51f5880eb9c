package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-mesh/internal/ai"
	"github.com/pelusa-v/pelusa-mesh/internal/identity"
	"github.com/pelusa-v/pelusa-mesh/internal/localstore"
	"github.com/pelusa-v/pelusa-mesh/internal/logger"
	"github.com/pelusa-v/pelusa-mesh/internal/mesh"
	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
	"github.com/pelusa-v/pelusa-mesh/internal/room"
	"github.com/pelusa-v/pelusa-mesh/internal/session"
)

var (
	profile  ai.Profile
	loopMode bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat over AI, mesh and room sessions",
		RunE:  runChat,
	}
	f := cmd.Flags()
	f.StringVar(&cfg.HubURL, "hub", cfg.HubURL, "Hub websocket URL (env MESHCHAT_HUB_URL)")
	f.StringVar(&cfg.Model, "model", cfg.Model, "Model name (env MESHCHAT_MODEL)")
	f.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "OpenAI-compatible endpoint (env MESHCHAT_BASE_URL)")
	f.BoolVar(&cfg.CloudSync, "cloud-sync", cfg.CloudSync, "Sync AI sessions to the hub")
	f.StringVar(&profile.Name, "name", "", "Your display name for the model")
	f.StringVar(&profile.MainLanguage, "language", "", "Your main language")
	f.BoolVar(&loopMode, "loopback", false, "Use an in-process hub and mesh with an echo peer instead of --hub")

	RootCmd.AddCommand(cmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	log := newLogger()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local := localstore.Open(cfg.LocalDBPath(), logger.Component(log, "local"))
	defer local.Close()
	me := identity.NewProvider(local).GetOrCreate()

	var store rendezvous.Store
	var transport mesh.Transport = mesh.NewPionTransport(cfg.ICEServers)
	if loopMode {
		lb, err := startLoopback(ctx, log)
		if err != nil {
			return fmt.Errorf("loopback: %w", err)
		}
		defer lb.Close()
		store, transport = lb.Store(me), lb.net
	} else {
		client, err := rendezvous.Dial(ctx, cfg.HubURL, logger.Component(log, "client"))
		if err != nil {
			log.Warn().Err(err).Msg("hub unavailable, mesh and room sessions disabled")
		} else {
			defer client.Close()
			if _, err := client.SignIn(ctx, me); err != nil {
				return fmt.Errorf("sign in: %w", err)
			}
			store = client
		}
	}

	var gen ai.Generator
	var det session.LanguageDetector
	if cfg.APIKey != "" {
		llm, err := ai.NewOpenAI(cfg.Model, cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return fmt.Errorf("model client: %w", err)
		}
		aiLog := logger.Component(log, "ai")
		gen = ai.NewGenerator(llm, ai.NewWindow(cfg.HistoryTokens, "cl100k_base"), aiLog)
		det = ai.NewDetector(llm, aiLog)
	} else {
		log.Warn().Msg("no API key, AI sessions will fail")
	}

	out := cmd.OutOrStdout()
	r := &repl{out: out, store: store, printed: map[string]bool{}}
	orch := session.New(session.Options{
		Identity:           me,
		Store:              store,
		Transport:          transport,
		Generator:          gen,
		Detector:           det,
		Local:              local,
		Profile:            profile,
		CloudSync:          cfg.CloudSync,
		RoomWindow:         cfg.RoomWindow,
		GenerationTimeout:  cfg.GenerationTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		OnChange:           r.onChange,
		Log:                logger.Component(log, "session"),
	})
	defer orch.Close()
	r.orch = orch

	go orch.RunSweeper(ctx, cfg.SweepInterval)
	if n, err := orch.LoadCloudSessions(ctx); err != nil {
		log.Warn().Err(err).Msg("cloud sessions not loaded")
	} else if n > 0 {
		fmt.Fprintf(out, "%d sessions loaded from the hub\n", n)
	}

	fmt.Fprintf(out, "identity %s, /help for commands\n", me)
	return r.run(ctx, cmd.InOrStdin())
}

// repl reads one command or message per line.
type repl struct {
	orch  *session.Orchestrator
	store rendezvous.Store
	out   io.Writer

	mu      sync.Mutex
	printed map[string]bool // message ids already shown
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
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
			if r.handle(ctx, line) {
				return nil
			}
		}
	}
}

const helpText = `/ai [title]              new AI session
/agent <name> <prompt>   new AI session with a persona
/mesh                    find a peer and open a mesh session
/room <id>               join a room
/public <topic>          list a new public room and join it
/rooms                   show public rooms
/sessions                show sessions
/use <id>                switch session
/read                    mark the session read
/archive                 archive or restore the session
/delete                  delete the session
/quit                    leave
anything else is sent to the current session`

// handle runs one input line and reports whether to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/quit", "/exit":
		return true
	case "/ai":
		s := r.orch.CreateAISession(session.Config{Tier: session.TierPersistent, Mode: "1:1", Model: cfg.Model}, arg)
		fmt.Fprintf(r.out, "ai session %s %q\n", s.ID, s.Title)
	case "/agent":
		name, prompt, _ := strings.Cut(arg, " ")
		if name == "" || strings.TrimSpace(prompt) == "" {
			fmt.Fprintln(r.out, "usage: /agent <name> <prompt>")
			return false
		}
		s := r.orch.CreateAgentSession(session.Agent{ID: strings.ToLower(name), Name: name, Instruction: strings.TrimSpace(prompt)})
		fmt.Fprintf(r.out, "agent session %s %q\n", s.ID, s.Title)
	case "/mesh":
		s, err := r.orch.CreateMeshSession(ctx, "")
		if err != nil {
			fmt.Fprintf(r.out, "mesh: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "mesh session %s, waiting for peers\n", s.ID)
	case "/room", "/public":
		if arg == "" {
			fmt.Fprintf(r.out, "usage: %s <name>\n", cmd)
			return false
		}
		req := session.RoomRequest{RoomID: arg}
		if cmd == "/public" {
			req = session.RoomRequest{Topic: arg}
		}
		s, err := r.orch.CreateOrJoinRoomSession(ctx, req)
		if err != nil {
			fmt.Fprintf(r.out, "room: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "room session %s %q\n", s.ID, s.Title)
	case "/rooms":
		r.listRooms(ctx)
	case "/sessions":
		active := r.orch.Active()
		for _, p := range r.orch.Previews() {
			mark := " "
			if p.SessionID == active {
				mark = "*"
			}
			fmt.Fprintf(r.out, "%s %s [%s] %s (%d unread) %s%s\n", mark, p.SessionID, p.Backend, p.Title, p.Unread, preview(p.LastBody), r.peers(p))
		}
	case "/use":
		if err := r.orch.SetActive(arg); err != nil {
			fmt.Fprintf(r.out, "use: %v\n", err)
		}
	case "/read":
		r.withActive(func(id string) error { return r.orch.MarkRead(id) })
	case "/archive":
		r.withActive(func(id string) error {
			archived, err := r.orch.ToggleArchive(id)
			if err == nil {
				fmt.Fprintf(r.out, "archived=%v\n", archived)
			}
			return err
		})
	case "/delete":
		r.withActive(func(id string) error { return r.orch.Delete(ctx, id) })
	default:
		fmt.Fprintf(r.out, "unknown command %s, try /help\n", cmd)
	}
	return false
}

func (r *repl) withActive(fn func(id string) error) {
	id := r.orch.Active()
	if id == "" {
		fmt.Fprintln(r.out, "no session selected")
		return
	}
	if err := fn(id); err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
}

func (r *repl) send(ctx context.Context, text string) {
	id := r.orch.Active()
	if id == "" {
		fmt.Fprintln(r.out, "no session selected, start one with /ai, /mesh or /room")
		return
	}
	r.markPrinted(id)
	out := r.orch.SendUserMessage(ctx, id, text)
	if !out.OK() {
		fmt.Fprintf(r.out, "! not sent (%s): %s\n", out.Failure, out.Reason)
	}
}

// markPrinted hides the local echo of messages already in the session.
func (r *repl) markPrinted(id string) {
	s, ok := r.orch.Session(id)
	if !ok {
		return
	}
	r.mu.Lock()
	for _, m := range s.Messages {
		r.printed[m.ID] = true
	}
	r.mu.Unlock()
}

func (r *repl) listRooms(ctx context.Context) {
	if r.store == nil {
		fmt.Fprintln(r.out, "hub unavailable")
		return
	}
	rooms, err := room.ListPublicRooms(ctx, r.store, 20)
	if err != nil {
		fmt.Fprintf(r.out, "rooms: %v\n", err)
		return
	}
	if len(rooms) == 0 {
		fmt.Fprintln(r.out, "no public rooms")
	}
	for _, pr := range rooms {
		fmt.Fprintf(r.out, "%s %q %s ~%d users\n", pr.ID, pr.Topic, pr.Mode, pr.ActiveUsers)
	}
}

// onChange prints finished messages of the active session that arrived
// since the last call. Local messages are not echoed.
func (r *repl) onChange(list []session.Session) {
	if r.orch == nil {
		return
	}
	active := r.orch.Active()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range list {
		if s.ID != active {
			continue
		}
		for _, m := range s.Messages {
			if r.printed[m.ID] {
				continue
			}
			if m.Status != session.StatusDelivered && m.Status != session.StatusFailed {
				continue
			}
			r.printed[m.ID] = true
			if m.Role == session.RoleUser {
				continue
			}
			who := m.SenderID
			if who == "" {
				who = "ai"
			}
			if m.Status == session.StatusFailed && !m.Synthetic {
				continue
			}
			fmt.Fprintf(r.out, "%s> %s\n", who, m.Content)
			if m.OriginalContent != "" {
				fmt.Fprintf(r.out, "   (%s)\n", m.OriginalContent)
			}
		}
	}
}

// peers lists the remote identities of a live mesh session.
func (r *repl) peers(p session.Preview) string {
	if p.Backend != session.BackendMesh {
		return ""
	}
	m, ok := r.orch.Mesh(p.SessionID)
	if !ok {
		return " (offline)"
	}
	ids := m.Peers()
	if len(ids) == 0 {
		return " (no peers yet)"
	}
	return " peers: " + strings.Join(ids, ", ")
}

func preview(s string) string {
	if r := []rune(s); len(r) > 40 {
		return string(r[:40]) + "..."
	}
	return s
}
