// Package mock provides in-memory test doubles for the live package.
//
// Conn delivers scripted inbound messages pushed with Push/PushErr and records
// every outbound call. Dialer hands out scripted connections in order:
//
//	conn := mock.NewConn()
//	conn.AutoAckSetup = true
//	d := &mock.Dialer{Conns: []*mock.Conn{conn}}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voiceform/pkg/provider/live"
)

var (
	_ live.Conn   = (*Conn)(nil)
	_ live.Dialer = (*Dialer)(nil)
)

// ErrClosed is returned by Recv and the Send methods after Close.
var ErrClosed = errors.New("mock: connection closed")

type inbound struct {
	msg live.Message
	err error
}

// Conn is a mock implementation of live.Conn.
type Conn struct {
	// AutoAckSetup makes SendSetup queue a MessageSetupComplete reply.
	AutoAckSetup bool

	// SendErr, if non-nil, is returned from every Send method.
	SendErr error

	in        chan inbound
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	Setups        []live.SessionConfig
	Audio         [][]byte
	Texts         []string
	ToolResponses [][]live.FunctionResponse
	CloseCalls    int
}

// NewConn returns a Conn with a buffered inbound queue.
func NewConn() *Conn {
	return &Conn{in: make(chan inbound, 256), done: make(chan struct{})}
}

// Push queues an inbound message.
func (c *Conn) Push(m live.Message) { c.in <- inbound{msg: m} }

// PushErr queues an inbound error, e.g. a wrapped live.ErrDecode or a
// transport failure.
func (c *Conn) PushErr(err error) { c.in <- inbound{err: err} }

func (c *Conn) SendSetup(_ context.Context, cfg live.SessionConfig) error {
	c.mu.Lock()
	c.Setups = append(c.Setups, cfg)
	c.mu.Unlock()
	if err := c.sendErr(); err != nil {
		return err
	}
	if c.AutoAckSetup {
		c.Push(live.Message{Kind: live.MessageSetupComplete})
	}
	return nil
}

func (c *Conn) SendAudio(_ context.Context, pcm []byte) error {
	if err := c.sendErr(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio = append(c.Audio, append([]byte(nil), pcm...))
	return nil
}

func (c *Conn) SendText(_ context.Context, text string) error {
	if err := c.sendErr(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Texts = append(c.Texts, text)
	return nil
}

func (c *Conn) SendToolResponse(_ context.Context, responses []live.FunctionResponse) error {
	if err := c.sendErr(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ToolResponses = append(c.ToolResponses, responses)
	return nil
}

// Recv returns the next queued message or blocks until one is pushed, the
// context ends or the connection is closed.
func (c *Conn) Recv(ctx context.Context) (live.Message, error) {
	select {
	case in := <-c.in:
		return in.msg, in.err
	case <-c.done:
		return live.Message{}, ErrClosed
	case <-ctx.Done():
		return live.Message{}, ctx.Err()
	}
}

// Close records the call and unblocks Recv.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SentAudio returns a copy of the recorded audio chunks.
func (c *Conn) SentAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.Audio...)
}

// SentToolResponses returns a copy of the recorded tool responses.
func (c *Conn) SentToolResponses() [][]live.FunctionResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]live.FunctionResponse(nil), c.ToolResponses...)
}

// SentTexts returns a copy of the recorded texts.
func (c *Conn) SentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Texts...)
}

func (c *Conn) sendErr() error {
	if c.Closed() {
		return ErrClosed
	}
	return c.SendErr
}

// Dialer is a mock implementation of live.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conns are returned by successive Dial calls. Once exhausted, Dial
	// returns a fresh auto-acking Conn.
	Conns []*Conn

	// DialErrs are returned, in order, before any Conn is handed out.
	DialErrs []error

	// Dialed records every Conn handed out.
	Dialed []*Conn

	// Calls counts Dial invocations.
	Calls int
}

// Dial returns the next scripted connection.
func (d *Dialer) Dial(ctx context.Context) (live.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if len(d.DialErrs) > 0 {
		err := d.DialErrs[0]
		d.DialErrs = d.DialErrs[1:]
		return nil, err
	}
	var c *Conn
	if len(d.Conns) > 0 {
		c, d.Conns = d.Conns[0], d.Conns[1:]
	} else {
		c = NewConn()
		c.AutoAckSetup = true
	}
	d.Dialed = append(d.Dialed, c)
	return c, nil
}

// DialCount returns the number of Dial calls.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Calls
}

// Last returns the most recently dialed Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Dialed) == 0 {
		return nil
	}
	return d.Dialed[len(d.Dialed)-1]
}

// FailNext queues errs to be returned by the next Dial calls.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialErrs = append(d.DialErrs, errs...)
}
