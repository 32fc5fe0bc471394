package gerrit

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/retry"
)

// ConnState is the stream reader's connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateStreaming
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// StreamConfig configures the SSH connection to Gerrit stream-events.
type StreamConfig struct {
	Host     string
	Port     int
	Username string
	KeyPath  string

	// HostKey is the expected server host key, either as a bare base64 blob
	// or a full "ssh-ed25519 AAAA..." line. Required when VerifyHostKey is
	// set.
	HostKey string
	// VerifyHostKey selects strict host key checking. When false the reader
	// accepts any server identity and logs a loud warning; it is never
	// downgraded silently.
	VerifyHostKey bool

	// ReadTimeout bounds each line read so the loop can notice shutdown and
	// dead connections; a timeout triggers a normal reconnect (default: 60s).
	ReadTimeout time.Duration
	// StaleWindow is the maximum event age before an event is discarded
	// instead of dispatched (default: 5m). Guards against replaying a
	// backlog after a reconnect.
	StaleWindow time.Duration

	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// DialTimeout bounds the SSH connection attempt (default: 15s).
	DialTimeout time.Duration
}

// EventHandler receives each parsed, non-stale event. Handlers must not
// block: the reader issues no further reads until the handler returns.
type EventHandler func(*Event)

// StreamReader maintains one persistent SSH connection running
// `gerrit stream-events`, forwarding parsed events to its handler. It
// reconnects forever with exponential backoff until stopped.
type StreamReader struct {
	cfg     StreamConfig
	handler EventHandler
	backoff *retry.Backoff

	hostKeyCallback ssh.HostKeyCallback

	// Injected for deterministic tests.
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	dial   func(addr string) (*ssh.Client, error)
	stream func(ctx context.Context, client *ssh.Client) error

	mu      sync.Mutex
	state   ConnState
	client  *ssh.Client
	stopped bool
}

// NewStreamReader creates a stream reader. It fails fast when strict host
// key verification is requested without a configured host key.
func NewStreamReader(cfg StreamConfig, handler EventHandler) (*StreamReader, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 5 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	var hostKeyCallback ssh.HostKeyCallback
	if cfg.VerifyHostKey {
		if cfg.HostKey == "" {
			return nil, fmt.Errorf("strict host key verification requires a configured host key")
		}
		key, err := parseHostKey(cfg.HostKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configured host key: %w", err)
		}
		log.Info().Str("key_type", key.Type()).Msg("Loaded pinned SSH host key")
		hostKeyCallback = ssh.FixedHostKey(key)
	} else {
		log.Warn().Msg("SSH host key verification is DISABLED; the connection is vulnerable to MitM attacks")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	r := &StreamReader{
		cfg:             cfg,
		handler:         handler,
		backoff:         retry.NewBackoff(cfg.BaseRetryDelay, cfg.MaxRetryDelay),
		hostKeyCallback: hostKeyCallback,
		now:             time.Now,
		sleep:           retry.Sleep,
	}
	r.dial = r.connect
	r.stream = r.streamEvents
	return r, nil
}

// parseHostKey accepts either a bare base64 key blob or a known_hosts-style
// "ssh-ed25519 AAAA... comment" line.
func parseHostKey(raw string) (ssh.PublicKey, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty host key")
	}

	blob := fields[0]
	if len(fields) > 1 {
		blob = fields[1]
	}

	if data, err := base64.StdEncoding.DecodeString(blob); err == nil {
		if key, err := ssh.ParsePublicKey(data); err == nil {
			return key, nil
		}
	}

	// Fall back to the authorized_keys wire format in case the blob field
	// guess was wrong.
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("host key is neither a base64 blob nor an authorized_keys line: %w", err)
	}
	return key, nil
}

// State reports the current connection state.
func (r *StreamReader) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *StreamReader) setState(s ConnState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run connects and listens until the context is cancelled or Stop is
// called. No stream failure terminates the loop; every error path retries
// with backoff.
func (r *StreamReader) Run(ctx context.Context) {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))

	for ctx.Err() == nil && !r.isStopped() {
		r.setState(StateConnecting)
		client, err := r.dial(addr)
		if err != nil {
			r.setState(StateDisconnected)
			delay := r.backoff.Next()
			log.Error().Err(err).
				Str("addr", addr).
				Dur("retry_in", delay).
				Msg("Failed to connect to Gerrit SSH")
			if r.sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		// Connection succeeded; the next failure starts backoff from base.
		r.backoff.Reset()
		r.setClient(client)
		r.setState(StateStreaming)

		err = r.stream(ctx, client)
		r.setState(StateDisconnected)
		r.setClient(nil)
		if client != nil {
			client.Close()
		}

		if ctx.Err() != nil || r.isStopped() {
			return
		}

		delay := r.backoff.Next()
		if err != nil {
			log.Error().Err(err).Dur("retry_in", delay).Msg("Stream ended; reconnecting")
		} else {
			log.Debug().Dur("retry_in", delay).Msg("Stream read timeout; reconnecting")
		}
		if r.sleep(ctx, delay) != nil {
			return
		}
	}
}

// Stop ends the retry loop and closes any live connection. Safe to call
// more than once and from any goroutine.
func (r *StreamReader) Stop() {
	r.mu.Lock()
	r.stopped = true
	client := r.client
	r.client = nil
	r.mu.Unlock()

	if client != nil {
		client.Close()
	}
	log.Info().Msg("Stream reader stopped")
}

func (r *StreamReader) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *StreamReader) setClient(c *ssh.Client) {
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()
}

func (r *StreamReader) connect(addr string) (*ssh.Client, error) {
	keyData, err := os.ReadFile(r.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key %s: %w", r.cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key %s: %w", r.cfg.KeyPath, err)
	}

	log.Info().
		Str("addr", addr).
		Str("user", r.cfg.Username).
		Msg("Connecting to Gerrit SSH")

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            r.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: r.hostKeyCallback,
		Timeout:         r.cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("SSH dial failed: %w", err)
	}

	log.Info().Msg("SSH connection established")
	return client, nil
}

// streamEvents runs `gerrit stream-events` on an established connection and
// consumes lines until the context ends, the read timeout fires (returns
// nil), or the stream breaks (returns the error).
func (r *StreamReader) streamEvents(ctx context.Context, client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := session.Start("gerrit stream-events"); err != nil {
		return fmt.Errorf("failed to start stream-events: %w", err)
	}

	log.Info().Msg("Listening to Gerrit stream-events")

	done := make(chan struct{})
	defer close(done)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		// Stream events for large changes can exceed the default buffer.
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		select {
		case readErr <- scanner.Err():
		case <-done:
		}
	}()

	timeout := time.NewTimer(r.cfg.ReadTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("stream read failed: %w", err)
			}
			return fmt.Errorf("stream closed by server")
		case line := <-lines:
			r.handleLine(line)
			if !timeout.Stop() {
				<-timeout.C
			}
			timeout.Reset(r.cfg.ReadTimeout)
		case <-timeout.C:
			// A quiet stream is indistinguishable from a dead TCP session;
			// reconnecting is the normal liveness check, not a failure.
			return nil
		}
	}
}

// handleLine parses one stream line and forwards it unless it is empty,
// malformed, or stale. Parse failures never tear down the connection.
func (r *StreamReader) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var event Event
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		log.Error().Err(err).Str("line", line).Msg("Failed to decode stream event")
		return
	}

	if r.isStale(&event) {
		return
	}

	r.handler(&event)
}

// isStale reports whether the event is older than the staleness window.
// Events without a creation timestamp are never considered stale.
func (r *StreamReader) isStale(event *Event) bool {
	if event.EventCreatedOn == 0 {
		return false
	}
	age := r.now().Sub(time.Unix(event.EventCreatedOn, 0))
	if age > r.cfg.StaleWindow {
		log.Debug().
			Str("type", event.Type).
			Dur("age", age).
			Msg("Discarding stale event")
		return true
	}
	return false
}
