package client

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/genshen/cmds"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/burrowlab/burrow/tunnel"
	"github.com/burrowlab/burrow/tunnel/term_view"
)

const CommandNameClient = "client"

var clientCommand = &cmds.Command{
	Name:        CommandNameClient,
	Summary:     "run the tunnel client",
	Description: "connect to a tunnel server and expose a local service.",
	CustomFlags: false,
	HasOptions:  true,
}

func init() {
	var client client
	fs := flag.NewFlagSet(CommandNameClient, flag.ContinueOnError)
	clientCommand.FlagSet = fs
	clientCommand.FlagSet.StringVar(&client.server, "server", "", `tunnel server base url (e.g: https://tunnel.example.com).`)
	clientCommand.FlagSet.StringVar(&client.secret, "secret", "", `tunnel credential sent on the connect request.`)
	clientCommand.FlagSet.StringVar(&client.target, "target", "http://localhost:3000", `local service to expose.`)
	clientCommand.FlagSet.StringVar(&client.configPath, "config", "", `optional yaml config file; flags take precedence.`)
	clientCommand.FlagSet.DurationVar(&client.pingInterval, "ping-interval", 0, `keepalive ping interval (default 30s, 0 disables).`)
	clientCommand.FlagSet.DurationVar(&client.pongTimeout, "pong-timeout", 0, `how long to wait for a pong before reconnecting (default 10s).`)
	clientCommand.FlagSet.BoolVar(&client.noLiveView, "no-live", false, `disable the live terminal status view.`)
	clientCommand.FlagSet.BoolVar(&client.debug, "debug", false, `enable debug logging.`)

	clientCommand.FlagSet.Usage = clientCommand.Usage // use default usage provided by cmds.Command.
	clientCommand.Runner = &client

	cmds.AllCommands = append(cmds.AllCommands, clientCommand)
}

type client struct {
	server       string // tunnel server base url
	secret       string
	target       string // local service base url
	targetURL    *url.URL
	configPath   string
	pingInterval time.Duration
	pongTimeout  time.Duration
	noLiveView   bool
	debug        bool
	pingExplicit bool // -ping-interval was given on the command line
}

// fileConfig mirrors the flag surface in yaml. Durations are strings
// ("30s", "500ms").
type fileConfig struct {
	Server       string `yaml:"server"`
	Secret       string `yaml:"secret"`
	Target       string `yaml:"target"`
	PingInterval string `yaml:"ping_interval"`
	PongTimeout  string `yaml:"pong_timeout"`
}

func (c *client) PreRun() error {
	c.pingExplicit = flagWasSet(clientCommand.FlagSet, "ping-interval")

	if c.configPath != "" {
		if err := c.loadConfigFile(); err != nil {
			return err
		}
	}
	if c.server == "" {
		return errors.New("empty tunnel server url")
	}
	if c.target == "" {
		return errors.New("empty local target url")
	}
	u, err := url.Parse(c.target)
	if err != nil {
		return fmt.Errorf("bad local target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("local target url must be http or https, got %q", u.Scheme)
	}
	c.targetURL = u

	if c.debug {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

func (c *client) loadConfigFile() error {
	data, err := os.ReadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	// flags take precedence over the file
	if c.server == "" {
		c.server = fc.Server
	}
	if c.secret == "" {
		c.secret = fc.Secret
	}
	if !flagWasSet(clientCommand.FlagSet, "target") && fc.Target != "" {
		c.target = fc.Target
	}
	if !c.pingExplicit && fc.PingInterval != "" {
		d, err := time.ParseDuration(fc.PingInterval)
		if err != nil {
			return fmt.Errorf("bad ping_interval in config file: %w", err)
		}
		c.pingInterval = d
		c.pingExplicit = true
	}
	if c.pongTimeout == 0 && fc.PongTimeout != "" {
		d, err := time.ParseDuration(fc.PongTimeout)
		if err != nil {
			return fmt.Errorf("bad pong_timeout in config file: %w", err)
		}
		c.pongTimeout = d
	}
	return nil
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func (c *client) Run() error {
	log.WithFields(log.Fields{
		"server": c.server,
		"target": c.targetURL.String(),
	}).Info("starting tunnel client.")

	records := tunnel.NewConnRecord()
	var plog *term_view.ProgressLog
	if !c.noLiveView && isatty.IsTerminal(os.Stdout.Fd()) {
		plog = term_view.NewPLog()
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
		log.SetOutput(plog) // log lines scroll above the live view
		records.OnChange = func(tunnel.ConnStatus) {
			total, targets := records.Snapshot()
			plog.SetCounters(total, targets)
		}
	}

	pingInterval := c.pingInterval
	if c.pingExplicit && pingInterval == 0 {
		pingInterval = -1 // user asked for no keepalive
	}

	tc, err := tunnel.NewClient(tunnel.Options{
		ServerURL:        c.server,
		Secret:           c.secret,
		TransformRequest: c.transformRequest,
		PingInterval:     pingInterval,
		PongTimeout:      c.pongTimeout,
		Records:          records,
		OnConnect: func(ce tunnel.ConnectionEstablished) {
			log.WithField("url", ce.URL).Info("tunnel is up.")
			if plog != nil {
				plog.SetTunnelURL(ce.URL)
			}
		},
		OnDisconnect: func(err error) {
			log.WithError(err).Warn("tunnel disconnected, reconnecting.")
		},
		OnError: func(err error) {
			log.WithError(err).Warn("tunnel error.")
		},
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down.")
		tc.Dispose()
	}()

	return tc.Run()
}

// transformRequest points every proxied request at the configured local
// target, keeping path and query intact.
func (c *client) transformRequest(_ context.Context, req tunnel.RequestInfo) (tunnel.RequestInfo, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return tunnel.RequestInfo{}, fmt.Errorf("bad request url: %w", err)
	}
	u.Scheme = c.targetURL.Scheme
	u.Host = c.targetURL.Host

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		if strings.EqualFold(k, "host") {
			continue
		}
		headers[k] = v
	}
	// local dev servers tend to check the Host header
	headers["host"] = c.targetURL.Host

	return tunnel.RequestInfo{Method: req.Method, URL: u.String(), Headers: headers}, nil
}
