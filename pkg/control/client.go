package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/maplejuice/pkg/wire"
)

// ConfirmFunc answers the overwrite prompt of a PUT. Returning false declines
// the write.
type ConfirmFunc func(prompt string) bool

// ClientConfig configures a Client.
type ClientConfig struct {
	// Port is the control port dialed on every host.
	Port int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client issues control requests, one connection per request.
type Client struct {
	cfg    ClientConfig
	dialer net.Dialer
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, dialer: net.Dialer{Timeout: cfg.DialTimeout}}
}

func (c *Client) dial(ctx context.Context, host string) (*wire.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))
	nc, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return wire.NewConn(nc, c.cfg.ReadTimeout, c.cfg.WriteTimeout), nil
}

// Election sends ELECTION to host and returns its reply (OK or NACK).
func (c *Client) Election(ctx context.Context, host string) (string, error) {
	return c.simple(ctx, host, MsgElection)
}

// Victory announces the local node as leader to host.
func (c *Client) Victory(ctx context.Context, host string) error {
	_, err := c.simple(ctx, host, MsgVictory)
	return err
}

func (c *Client) Coordination(ctx context.Context, host string) error {
	_, err := c.simple(ctx, host, MsgCoordination)
	return err
}

func (c *Client) simple(ctx context.Context, host string, msg MessageType, fields ...string) (string, error) {
	conn, err := c.dial(ctx, host)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteFrame(string(msg)); err != nil {
		return "", fmt.Errorf("control %s %s: %w", msg, host, err)
	}
	for _, f := range fields {
		if err := conn.WriteFrame(f); err != nil {
			return "", fmt.Errorf("control %s %s: %w", msg, host, err)
		}
	}
	reply, err := readReply(conn, nil)
	if err != nil {
		return "", fmt.Errorf("control %s %s: %w", msg, host, err)
	}
	if strings.HasPrefix(reply, errorReplyPrefix) {
		return reply, &ProtocolError{Op: msg, Host: host, Reply: reply}
	}
	return reply, nil
}

// Get fetches name from host and writes each line, followed by a newline, to
// w.
func (c *Client) Get(ctx context.Context, host, name string, w io.Writer) error {
	conn, err := c.dial(ctx, host)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteFrame(string(MsgGet)); err != nil {
		return fmt.Errorf("control GET %s: %w", host, err)
	}
	if err := conn.WriteFrame(name); err != nil {
		return fmt.Errorf("control GET %s: %w", host, err)
	}

	bw := bufio.NewWriter(w)
	reply, err := readReply(conn, func(line string) error {
		_, err := bw.WriteString(line + "\n")
		return err
	})
	if err != nil {
		return fmt.Errorf("control GET %s %s: %w", host, name, err)
	}
	if reply != ReplyOK {
		return &ProtocolError{Op: MsgGet, Host: host, Reply: reply}
	}
	return bw.Flush()
}

// Put stores the lines of r as name on host. When another write is in flight
// on host, confirm decides whether to proceed; a nil confirm proceeds.
func (c *Client) Put(ctx context.Context, host, name string, r io.Reader, confirm ConfirmFunc) error {
	conn, err := c.dial(ctx, host)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteFrame(string(MsgPut)); err != nil {
		return fmt.Errorf("control PUT %s: %w", host, err)
	}
	first, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("control PUT %s: read ready: %w", host, err)
	}
	switch first {
	case ReplyReady:
	case PromptWriteInProgress:
		if confirm != nil && !confirm(first) {
			_ = conn.WriteFrame(AnswerNo)
			return ErrWriteDeclined
		}
		if err := conn.WriteFrame(AnswerYes); err != nil {
			return fmt.Errorf("control PUT %s: %w", host, err)
		}
	default:
		return &ProtocolError{Op: MsgPut, Host: host, Reply: first}
	}

	if err := conn.WriteFrame(name); err != nil {
		return fmt.Errorf("control PUT %s: %w", host, err)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), wire.MaxFrameBytes+2)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if err := conn.WriteFrame(line); err != nil {
			return fmt.Errorf("control PUT %s %s: %w", host, name, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("control PUT %s %s: read source: %w", host, name, err)
	}
	if err := conn.CloseWrite(); err != nil {
		return fmt.Errorf("control PUT %s: %w", host, err)
	}

	reply, err := readReply(conn, nil)
	if err != nil {
		return fmt.Errorf("control PUT %s %s: %w", host, name, err)
	}
	if reply != ReplyOK {
		return &ProtocolError{Op: MsgPut, Host: host, Reply: reply}
	}
	return nil
}

// Delete removes name on host.
func (c *Client) Delete(ctx context.Context, host, name string) error {
	reply, err := c.simple(ctx, host, MsgDelete, name)
	if err != nil {
		return err
	}
	if reply != ReplyOK {
		return &ProtocolError{Op: MsgDelete, Host: host, Reply: reply}
	}
	return nil
}

// readReply reads frames until EOF. The last frame is the reply; earlier
// frames go to onLine.
func readReply(conn *wire.Conn, onLine func(string) error) (string, error) {
	var (
		last string
		have bool
	)
	for {
		f, err := conn.ReadFrame()
		if errors.Is(err, io.EOF) {
			if !have {
				return "", ErrNoReply
			}
			return last, nil
		}
		if err != nil {
			return "", err
		}
		if have {
			if onLine == nil {
				return "", fmt.Errorf("unexpected frame %q before reply", last)
			}
			if err := onLine(last); err != nil {
				return "", err
			}
		}
		last, have = f, true
	}
}
