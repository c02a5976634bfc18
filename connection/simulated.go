package connection

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-pairing/core"
	"github.com/goliatone/go-pairing/watchdog"
)

const (
	DriverSimulated = "simulated"

	codeAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeGroupLength  = 4
	updatesBuffer    = 8
	defaultPairAfter = 3 * time.Second
)

var ErrClosed = errors.New("connection: closed")

// Step is one scripted event, fired After the previous one. A Persist step
// writes the credential bundle and signals persistence; a step with a State
// publishes a status update.
type Step struct {
	After   time.Duration
	Persist bool
	State   core.ConnectionState
	Reason  string
}

// PairingScript is what a simulated peer does once a code is requested:
// persist the bundle after pairAfter, then report the connection open.
func PairingScript(pairAfter time.Duration) []Step {
	return []Step{
		{After: pairAfter, Persist: true},
		{State: core.ConnectionOpen},
	}
}

// RejectScript reports the connection closed with reason after d.
func RejectScript(d time.Duration, reason string) []Step {
	return []Step{{After: d, State: core.ConnectionClose, Reason: reason}}
}

type SimulatedOption func(*SimulatedFactory)

func WithScript(steps ...Step) SimulatedOption {
	return func(f *SimulatedFactory) {
		f.script = append([]Step(nil), steps...)
	}
}

func WithClock(clock watchdog.Clock) SimulatedOption {
	return func(f *SimulatedFactory) {
		if clock != nil {
			f.clock = clock
		}
	}
}

func WithBundleFile(name string) SimulatedOption {
	return func(f *SimulatedFactory) {
		if name = strings.TrimSpace(name); name != "" {
			f.bundleFile = name
		}
	}
}

func WithLogger(logger glog.Logger) SimulatedOption {
	return func(f *SimulatedFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// SimulatedFactory opens in-process connections that follow a script
// instead of talking to a real messaging network. It backs local runs,
// demos and end-to-end tests.
type SimulatedFactory struct {
	script     []Step
	clock      watchdog.Clock
	bundleFile string
	logger     glog.Logger
}

func NewSimulatedFactory(opts ...SimulatedOption) *SimulatedFactory {
	factory := &SimulatedFactory{
		script:     PairingScript(defaultPairAfter),
		clock:      watchdog.Real(),
		bundleFile: "creds.json",
		logger:     glog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func (f *SimulatedFactory) Open(ctx context.Context, req core.ConnectionRequest) (core.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Directory) == "" {
		return nil, fmt.Errorf("connection: session directory is required")
	}
	conn := &Simulated{
		factory:    f,
		sessionID:  req.SessionID,
		bundlePath: filepath.Join(req.Directory, f.bundleFile),
		updates:    make(chan core.ConnectionUpdate, updatesBuffer),
		persisted:  make(chan struct{}, 1),
	}
	conn.registered, conn.selfID = readRegistration(conn.bundlePath)
	conn.emit(core.ConnectionUpdate{State: core.ConnectionConnecting})
	return conn, nil
}

type Simulated struct {
	factory    *SimulatedFactory
	sessionID  string
	bundlePath string
	registered bool

	updates   chan core.ConnectionUpdate
	persisted chan struct{}

	mu       sync.Mutex
	selfID   string
	identity string
	code     string
	timers   []watchdog.Timer
	sent     []SentMessage
	closed   bool
}

type SentMessage struct {
	To   string
	Text string
}

func (c *Simulated) Registered() bool {
	return c.registered
}

func (c *Simulated) RequestPairingCode(ctx context.Context, identity string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	code, err := newPairingCode()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.code != "" {
		c.mu.Unlock()
		return "", fmt.Errorf("connection: pairing code already requested")
	}
	c.code = code
	c.identity = identity
	c.mu.Unlock()

	c.schedule(0)
	return code, nil
}

func (c *Simulated) Updates() <-chan core.ConnectionUpdate {
	return c.updates
}

func (c *Simulated) CredentialsPersisted() <-chan struct{} {
	return c.persisted
}

func (c *Simulated) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Simulated) SendText(ctx context.Context, to string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("connection: recipient is required")
	}
	c.sent = append(c.sent, SentMessage{To: to, Text: text})
	return nil
}

// Sent returns the messages delivered through SendText.
func (c *Simulated) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

func (c *Simulated) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, timer := range c.timers {
		timer.Stop()
	}
	c.timers = nil
	close(c.updates)
	return nil
}

// schedule arms step index. Timers are armed outside the lock because a
// fake clock may run the callback synchronously.
func (c *Simulated) schedule(index int) {
	script := c.factory.script
	if index >= len(script) {
		return
	}
	step := script[index]
	timer := c.factory.clock.AfterFunc(step.After, func() {
		c.run(step)
		c.schedule(index + 1)
	})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		timer.Stop()
		return
	}
	c.timers = append(c.timers, timer)
	c.mu.Unlock()
}

func (c *Simulated) run(step Step) {
	if step.Persist {
		if err := c.persist(); err != nil {
			c.factory.logger.Warn("simulated connection could not persist bundle",
				"session_id", c.sessionID, "error", err)
			c.emit(core.ConnectionUpdate{State: core.ConnectionClose, Reason: "persist failed", Err: err})
			return
		}
	}
	if step.State != "" {
		c.emit(core.ConnectionUpdate{State: step.State, Reason: step.Reason})
	}
}

func (c *Simulated) persist() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	identity := c.identity
	c.mu.Unlock()

	selfID := identity + "@simulated"
	bundle := map[string]any{
		"me":         map[string]any{"id": selfID},
		"registered": true,
		"pairedAt":   c.factory.clock.Now().UTC().Format(time.RFC3339),
	}
	if err := writeFileAtomic(c.bundlePath, bundle); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.selfID = selfID
	select {
	case c.persisted <- struct{}{}:
	default:
	}
	return nil
}

// emit never blocks; an update that does not fit the buffer is dropped.
func (c *Simulated) emit(update core.ConnectionUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.updates <- update:
	default:
		c.factory.logger.Warn("simulated connection dropped update",
			"session_id", c.sessionID, "state", string(update.State))
	}
}

func writeFileAtomic(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("connection: encode bundle: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return fmt.Errorf("connection: create temp bundle: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("connection: write bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("connection: close bundle: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("connection: rename bundle: %w", err)
	}
	return nil
}

func readRegistration(path string) (bool, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, ""
	}
	var bundle struct {
		Registered bool `json:"registered"`
		Me         struct {
			ID string `json:"id"`
		} `json:"me"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return false, ""
	}
	return bundle.Registered, bundle.Me.ID
}

func newPairingCode() (string, error) {
	limit := big.NewInt(int64(len(codeAlphabet)))
	var b strings.Builder
	for i := 0; i < codeGroupLength*2; i++ {
		if i == codeGroupLength {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("connection: generate pairing code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

var (
	_ core.ConnectionFactory = (*SimulatedFactory)(nil)
	_ core.Connection        = (*Simulated)(nil)
)
