// Command echo runs a msgpack-rpc echo server, or a client that calls it.
//
//	echo -mode server -addr 127.0.0.1:12345
//	echo -mode client -addr 127.0.0.1:12345 hello world
//
// Settings can also come from a YAML file passed with -config; flags given
// on the command line win.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/msgrpc"
)

type config struct {
	Mode            string        `yaml:"mode"`
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"log_level"`
	ReconnectLimit  int           `yaml:"reconnect_limit"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func defaultConfig() config {
	return config{
		Mode:           "server",
		Addr:           "127.0.0.1:12345",
		LogLevel:       "info",
		ReconnectLimit: 3,
		BackoffBase:    100 * time.Millisecond,
		BackoffMax:     2 * time.Second,
		CallTimeout:    5 * time.Second,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// zlog adapts zerolog to msgrpc.Logger.
type zlog struct {
	log zerolog.Logger
}

func (l zlog) Debug(msg string, args ...any) { l.log.Debug().Fields(args).Msg(msg) }
func (l zlog) Info(msg string, args ...any)  { l.log.Info().Fields(args).Msg(msg) }
func (l zlog) Warn(msg string, args ...any)  { l.log.Warn().Fields(args).Msg(msg) }
func (l zlog) Error(msg string, args ...any) { l.log.Error().Fields(args).Msg(msg) }

var _ msgrpc.Logger = zlog{}

func newLogger(level string) (zlog, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zlog{}, errors.Wrapf(err, "log level %q", level)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zlog{log: zerolog.New(out).Level(lvl).With().Timestamp().Logger()}, nil
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	mode := flag.String("mode", "", "server or client")
	addr := flag.String("addr", "", "address to listen on or dial")
	level := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *level != "" {
		cfg.LogLevel = *level
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	switch cfg.Mode {
	case "server":
		err = runServer(ctx, cfg, logger)
	case "client":
		err = runClient(ctx, cfg, logger, flag.Args())
	default:
		err = errors.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exit", "error", err)
		os.Exit(1)
	}
}

// echoServer answers "echo" with its params and "upper" with its first
// param upper-cased. Notifications are logged.
type echoServer struct {
	logger msgrpc.Logger
}

func (s echoServer) OnRequest(conn *msgrpc.Conn, req *msgrpc.Request) {
	resp := &msgrpc.Response{MsgID: req.MsgID}
	switch req.Method {
	case "echo":
		resp.Result = req.Params
	case "upper":
		str, ok := firstString(req.Params)
		if !ok {
			resp.Error = "upper expects a string"
			break
		}
		resp.Result = strings.ToUpper(str)
	default:
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	}
	if err := conn.WriteBlocking(context.Background(), resp); err != nil {
		s.logger.Warn("reply failed", "conn_id", conn.ID(), "error", err)
	}
}

func (s echoServer) OnNotify(conn *msgrpc.Conn, n *msgrpc.Notify) {
	s.logger.Info("notify", "conn_id", conn.ID(), "method", n.Method, "params", n.Params)
}

func (s echoServer) OnResponse(conn *msgrpc.Conn, resp *msgrpc.Response) {
	s.logger.Debug("unexpected response", "conn_id", conn.ID(), "msgid", resp.MsgID)
}

func firstString(params []any) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	s, ok := params[0].(string)
	return s, ok
}

func runServer(ctx context.Context, cfg config, logger zlog) error {
	server, err := msgrpc.Listen(cfg.Addr,
		msgrpc.ServerLoggerOption(logger),
		msgrpc.ServerShutdownTimeoutOption(cfg.ShutdownTimeout),
		msgrpc.ServerConnOption(msgrpc.HeartbeatOption(cfg.Heartbeat)),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	return server.Serve(ctx, echoServer{logger: logger})
}

// calls matches responses to outstanding requests by msgid. Responses
// for calls that already timed out are dropped.
type calls struct {
	mu      sync.Mutex
	nextID  uint32
	waiting map[uint32]chan *msgrpc.Response
	logger  msgrpc.Logger
}

func newCalls(logger msgrpc.Logger) *calls {
	return &calls{waiting: make(map[uint32]chan *msgrpc.Response), logger: logger}
}

func (c *calls) add() (uint32, chan *msgrpc.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	ch := make(chan *msgrpc.Response, 1)
	c.waiting[c.nextID] = ch
	return c.nextID, ch
}

func (c *calls) remove(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiting, id)
}

func (c *calls) OnRequest(conn *msgrpc.Conn, req *msgrpc.Request) {
	_ = conn.Write(&msgrpc.Response{MsgID: req.MsgID, Error: "client does not serve requests"})
}

func (c *calls) OnNotify(conn *msgrpc.Conn, n *msgrpc.Notify) {
	c.logger.Info("notify", "method", n.Method, "params", n.Params)
}

func (c *calls) OnResponse(conn *msgrpc.Conn, resp *msgrpc.Response) {
	c.mu.Lock()
	ch, ok := c.waiting[resp.MsgID]
	delete(c.waiting, resp.MsgID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("late response", "msgid", resp.MsgID)
		return
	}
	ch <- resp
}

func (c *calls) OnConnectFailed(err error) {
	var cerr *msgrpc.ConnectFailedError
	if errors.As(err, &cerr) {
		c.logger.Error("connect failed", "addr", cerr.Addr, "attempts", cerr.Attempts, "dropped", len(cerr.Dropped))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.waiting {
		delete(c.waiting, id)
		close(ch)
	}
}

func runClient(ctx context.Context, cfg config, logger zlog, args []string) error {
	tracker := newCalls(logger)
	client, err := msgrpc.NewClient(cfg.Addr, tracker,
		msgrpc.ClientLoggerOption(logger),
		msgrpc.ReconnectLimitOption(cfg.ReconnectLimit),
		msgrpc.BackoffOption(msgrpc.ExponentialBackoff(cfg.BackoffBase, cfg.BackoffMax)),
		msgrpc.ClientConnOption(msgrpc.HeartbeatOption(cfg.Heartbeat)),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(args) == 0 {
		args = []string{"hello"}
	}

	if err := client.SendMessage(ctx, &msgrpc.Notify{Method: "hello", Params: []any{"echo client"}}); err != nil {
		return err
	}

	for _, arg := range args {
		id, ch := tracker.add()
		if err := client.SendMessage(ctx, &msgrpc.Request{MsgID: id, Method: "upper", Params: []any{arg}}); err != nil {
			tracker.remove(id)
			return err
		}

		timer := time.NewTimer(cfg.CallTimeout)
		select {
		case resp, ok := <-ch:
			timer.Stop()
			if !ok {
				return errors.New("connection failed")
			}
			if resp.Error != nil {
				logger.Warn("call failed", "msgid", id, "error", resp.Error)
				continue
			}
			fmt.Println(resp.Result)
		case <-timer.C:
			tracker.remove(id)
			logger.Warn("call timed out", "msgid", id, "timeout", cfg.CallTimeout)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}
