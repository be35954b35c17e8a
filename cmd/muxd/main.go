//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/inoki/muxd/internal/client"
	"github.com/inoki/muxd/internal/config"
	"github.com/inoki/muxd/internal/logging"
	"github.com/inoki/muxd/internal/protocol"
	"github.com/inoki/muxd/internal/server"
	"github.com/inoki/muxd/internal/ui"
)

// version is injected at build time via -ldflags "-X main.version=<version>".
var version = "dev"

// options hold the parsed command line.
type options struct {
	configFile string
	socket     string
	shell      string
	escape     string
	encoding   string
	logLevel   string

	server   bool
	list     bool
	stats    bool
	detach   string
	kill     string
	attach   string
	name     string
	detached bool
	version  bool
	args     []string
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("muxd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)

	fs.StringVarP(&o.configFile, "config", "c", "", "configuration file")
	fs.StringVar(&o.socket, "socket", "", "server socket path")
	fs.StringVarP(&o.shell, "shell", "s", "", "program for new sessions")
	fs.StringVarP(&o.escape, "escape", "e", "", "escape key and literal key, e.g. ^Aa")
	fs.StringVar(&o.encoding, "encoding", "", "character set of session output")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")

	fs.BoolVar(&o.server, "server", false, "run the server in the foreground")
	fs.BoolVarP(&o.list, "list", "l", false, "list sessions")
	fs.BoolVar(&o.stats, "stats", false, "print server statistics")
	fs.StringVarP(&o.detach, "detach", "d", "", "detach every client of a session")
	fs.StringVarP(&o.kill, "kill", "k", "", "hang up the program of a session")
	fs.StringVarP(&o.attach, "attach", "r", "", "attach to an existing session")
	fs.StringVarP(&o.name, "name", "S", "", "name of the session to create")
	fs.BoolVarP(&o.detached, "detached", "m", false, "create the session without attaching")
	fs.BoolVarP(&o.version, "version", "v", false, "print version information")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: muxd [options] [program [args...]]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.args = fs.Args()
	return o, nil
}

// loadConfig merges the configuration file, the environment and the
// command line, in increasing precedence.
func loadConfig(o *options) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Socket, o.socket)
	set(&cfg.Shell, o.shell)
	set(&cfg.Escape, o.escape)
	set(&cfg.Encoding, o.encoding)
	set(&cfg.Log.Level, o.logLevel)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !ui.SupportedEncoding(cfg.Encoding) {
		return nil, fmt.Errorf("unsupported encoding %q", cfg.Encoding)
	}
	return cfg, nil
}

func main() {
	o, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err == nil {
		err = run(o)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(o *options) error {
	if o.version {
		fmt.Printf("muxd %s\n", version)
		return nil
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if o.server {
		return runServer(cfg)
	}

	copts, release, err := clientOptions(cfg)
	if err != nil {
		return err
	}
	defer release()
	c, err := connect(cfg.Socket, o.configFile, copts)
	if err != nil {
		return err
	}
	defer c.Close()

	switch {
	case o.list:
		return listSessions(c, os.Stdout)
	case o.stats:
		stats, err := c.Statistics()
		if err != nil {
			return err
		}
		fmt.Print(stats)
		return nil
	}

	if err := c.Handshake(); err != nil {
		return err
	}
	switch {
	case o.detach != "":
		return detachSession(c, o.detach)
	case o.kill != "":
		if err := c.Attach(o.kill); err != nil {
			return err
		}
		return c.Signal(int(syscall.SIGHUP))
	case o.attach != "":
		return attach(c, cfg, o.attach)
	}

	spawn := protocol.SpawnOptions{}
	if len(o.args) > 0 {
		spawn.Program = o.args[0]
		spawn.Arguments = o.args[1:]
	}
	if wd, err := os.Getwd(); err == nil {
		spawn.Dir = wd
	}
	if rows, cols, ok := ui.Size(os.Stdin); ok {
		spawn.Rows, spawn.Columns = rows, cols
	}
	if term := os.Getenv("TERM"); term != "" {
		spawn.SetEnvironment = map[string]string{"TERM": term}
	}
	name, err := c.MakeSession(o.name, spawn)
	if err != nil {
		return err
	}
	if o.detached {
		fmt.Printf("created session %s\n", name)
		return nil
	}
	return attach(c, cfg, name)
}

func runServer(cfg *config.Config) error {
	logger, closer, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		MaxSize: cfg.Log.MaxSize,
	}, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv, err := server.New(server.Options{
		SocketPath:        cfg.Socket,
		Backlog:           cfg.Server.Backlog,
		SpareHandles:      cfg.Server.SpareHandles,
		AcceptBackoff:     cfg.Server.AcceptBackoff,
		AcceptBackoffMax:  cfg.Server.AcceptBackoffMax,
		Buffers:           cfg.BufferOptions(),
		Shell:             cfg.Shell,
		SessionLogDir:     cfg.Log.SessionDir,
		SessionLogMaxSize: cfg.Log.MaxSize,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	if ready := takeReadyPipe(); ready != nil {
		go notifyReady(srv.Ready(), ready)
	}
	return srv.Run(context.Background())
}

// clientOptions logs next to the server's log file, if there is one;
// the terminal belongs to the session.
func clientOptions(cfg *config.Config) (client.Options, func(), error) {
	opts := client.Options{Buffers: cfg.BufferOptions()}
	if cfg.Log.File == "" {
		return opts, func() {}, nil
	}
	logger, closer, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File + ".client",
		MaxSize: cfg.Log.MaxSize,
	}, io.Discard)
	if err != nil {
		return opts, nil, err
	}
	opts.Logger = logger
	return opts, func() { closer.Close() }, nil
}

func listSessions(c *client.Client, out io.Writer) error {
	sessions, err := c.SessionList()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPID\tCREATED\tCLIENTS")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", s.Name, s.PID, s.Created.Local().Format(time.DateTime), s.Clients)
	}
	return tw.Flush()
}

// detachSession attaches to name just long enough to detach everybody.
func detachSession(c *client.Client, name string) error {
	if err := c.Attach(name); err != nil {
		return err
	}
	n, err := c.Detach(protocol.DetachAll)
	if err != nil {
		return err
	}
	// Our own attachment is one of them.
	fmt.Printf("detached %d client(s) from %s\n", max(n-1, 0), name)
	return nil
}

func attach(c *client.Client, cfg *config.Config, name string) error {
	if err := c.Attach(name); err != nil {
		return err
	}
	command, literal, err := config.ParseEscape(cfg.Escape)
	if err != nil {
		return err
	}
	out, err := ui.NewEncodingWriter(os.Stdout, cfg.Encoding)
	if err != nil {
		return err
	}

	if ui.IsTerminal(os.Stdin) {
		terminal, err := ui.MakeRaw(os.Stdin)
		if err != nil {
			return err
		}
		defer terminal.Restore()
		ui.ClearScreenAndHome(os.Stdout)
	}

	// Hanging up the terminal detaches instead of killing the client.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGTERM)
	defer stop()

	note, err := c.Run(ctx, client.RunOptions{
		Input:       os.Stdin,
		Output:      out,
		EscapeChar:  command,
		LiteralChar: literal,
		Size:        func() (uint16, uint16, bool) { return ui.Size(os.Stdin) },
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		ui.ShowMessage(os.Stdout, ui.DescribeDetach(name, nil))
		return err
	}
	if note != nil {
		ui.ShowMessage(os.Stdout, ui.DescribeDetach(name, note))
	}
	return nil
}
