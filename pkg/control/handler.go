package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/maplejuice/pkg/provider"
	"github.com/3leaps/maplejuice/pkg/wire"
)

// LeaderView is the slice of membership the handler needs.
type LeaderView interface {
	IsAddressHigher(candidate string) bool
	SetLeader(address string)
}

// Elector starts an election round. StartElection must not block.
type Elector interface {
	StartElection()
}

// VictoryObserver is implemented by electors that want to hear about
// VICTORY messages in addition to the leader being recorded.
type VictoryObserver interface {
	ObserveVictory(leader string)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	View    LeaderView
	Elector Elector
	Store   provider.Store

	// Guard is shared by every connection on the node. Nil allocates one.
	Guard *WriteGuard

	// SpoolDir holds PUT content until it is stored. Empty uses the OS temp
	// dir.
	SpoolDir string

	Logger *zap.Logger
}

// Handler serves exactly one request per connection.
type Handler struct {
	view     LeaderView
	elector  Elector
	store    provider.Store
	guard    *WriteGuard
	spoolDir string
	lineSep  string
	log      *zap.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		view:     cfg.View,
		elector:  cfg.Elector,
		store:    cfg.Store,
		guard:    cfg.Guard,
		spoolDir: cfg.SpoolDir,
		lineSep:  wire.LineSeparator,
		log:      cfg.Logger,
	}
	if h.guard == nil {
		h.guard = &WriteGuard{}
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	return h
}

// Guard exposes the node-wide write guard.
func (h *Handler) Guard() *WriteGuard { return h.guard }

// Serve reads the message type, dispatches and closes c on every path.
func (h *Handler) Serve(ctx context.Context, c *wire.Conn) {
	defer func() { _ = c.Close() }()

	peer := c.RemoteHost()
	log := h.log.With(zap.String("peer", peer))

	first, err := c.ReadFrame()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug("Failed to read message type", zap.Error(err))
		}
		return
	}

	msg := MessageType(first)
	log = log.With(zap.String("message", first))
	switch msg {
	case MsgElection:
		h.handleElection(c, peer, log)
	case MsgVictory:
		h.handleVictory(c, peer, log)
	case MsgCoordination:
		h.reply(c, "", log)
	case MsgGet:
		h.handleGet(ctx, c, log)
	case MsgPut:
		h.handlePut(ctx, c, log)
	case MsgDelete:
		h.handleDelete(ctx, c, log)
	default:
		log.Warn("Unknown message type")
	}
}

func (h *Handler) handleElection(c *wire.Conn, peer string, log *zap.Logger) {
	if h.view != nil && h.view.IsAddressHigher(peer) {
		h.reply(c, ReplyNACK, log)
		return
	}
	h.reply(c, ReplyOK, log)
	if h.elector != nil {
		h.elector.StartElection()
	}
}

func (h *Handler) handleVictory(c *wire.Conn, peer string, log *zap.Logger) {
	if h.view != nil {
		h.view.SetLeader(peer)
	}
	if obs, ok := h.elector.(VictoryObserver); ok {
		obs.ObserveVictory(peer)
	}
	log.Info("Leader elected", zap.String("leader", peer))
	h.reply(c, "", log)
}

func (h *Handler) handleGet(ctx context.Context, c *wire.Conn, log *zap.Logger) {
	name, err := c.ReadFrame()
	if err != nil {
		log.Warn("Failed to read file name", zap.Error(err))
		return
	}
	log = log.With(zap.String("file", name))

	n, err := h.streamFile(ctx, c, name)
	if err != nil {
		log.Warn("GET failed", zap.Int("lines_sent", n), zap.Error(err))
		h.reply(c, errorReply(err), log)
		return
	}
	log.Debug("GET complete", zap.Int("lines", n))
	h.reply(c, ReplyOK, log)
}

func (h *Handler) streamFile(ctx context.Context, c *wire.Conn, name string) (int, error) {
	if h.store == nil {
		return 0, fmt.Errorf("no file store configured")
	}
	body, _, err := h.store.GetObject(ctx, name)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	r := bufio.NewReader(body)
	sent := 0
	for {
		line, readErr := r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			if err := c.WriteFrame(line); err != nil {
				return sent, err
			}
			sent++
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return sent, nil
			}
			return sent, readErr
		}
	}
}

func (h *Handler) handlePut(ctx context.Context, c *wire.Conn, log *zap.Logger) {
	if h.guard.TryBegin() {
		if err := c.WriteFrame(ReplyReady); err != nil {
			h.guard.End()
			log.Warn("Failed to write PUT ready", zap.Error(err))
			return
		}
	} else {
		if err := c.WriteFrame(PromptWriteInProgress); err != nil {
			log.Warn("Failed to write PUT prompt", zap.Error(err))
			return
		}
		answer, err := c.ReadFrame()
		if err != nil {
			log.Warn("Failed to read PUT answer", zap.Error(err))
			return
		}
		if strings.EqualFold(strings.TrimSpace(answer), AnswerNo) {
			log.Info("PUT declined during concurrent write")
			return
		}
		h.guard.Begin()
	}
	defer h.guard.End()

	name, err := c.ReadFrame()
	if err != nil {
		log.Warn("Failed to read file name", zap.Error(err))
		return
	}
	log = log.With(zap.String("file", name))

	n, err := h.receiveFile(ctx, c, name)
	if err != nil {
		log.Warn("PUT failed", zap.Int("lines_received", n), zap.Error(err))
		h.reply(c, errorReply(err), log)
		return
	}
	log.Debug("PUT complete", zap.Int("lines", n))
	h.reply(c, ReplyOK, log)
}

// receiveFile spools line frames until the caller half-closes, then stores
// the spool in one PutObject so a failed transfer leaves the old file alone.
func (h *Handler) receiveFile(ctx context.Context, c *wire.Conn, name string) (int, error) {
	if h.store == nil {
		return 0, fmt.Errorf("no file store configured")
	}
	spool, err := os.CreateTemp(h.spoolDir, "maplejuice-put-*")
	if err != nil {
		return 0, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	w := bufio.NewWriter(spool)
	lines := 0
	var size int64
	for {
		line, err := c.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return lines, fmt.Errorf("read line %d: %w", lines+1, err)
		}
		n, err := w.WriteString(line + h.lineSep)
		if err != nil {
			return lines, fmt.Errorf("write spool: %w", err)
		}
		size += int64(n)
		lines++
	}
	if err := w.Flush(); err != nil {
		return lines, fmt.Errorf("flush spool: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return lines, fmt.Errorf("rewind spool: %w", err)
	}
	if err := h.store.PutObject(ctx, name, spool, size); err != nil {
		return lines, err
	}
	return lines, nil
}

func (h *Handler) handleDelete(ctx context.Context, c *wire.Conn, log *zap.Logger) {
	name, err := c.ReadFrame()
	if err != nil {
		log.Warn("Failed to read file name", zap.Error(err))
		return
	}
	log = log.With(zap.String("file", name))

	if h.store == nil {
		h.reply(c, errorReply(fmt.Errorf("no file store configured")), log)
		return
	}
	if err := h.store.DeleteObject(ctx, name); err != nil {
		log.Warn("DELETE failed", zap.Error(err))
		h.reply(c, errorReply(err), log)
		return
	}
	h.reply(c, ReplyOK, log)
}

func (h *Handler) reply(c *wire.Conn, s string, log *zap.Logger) {
	if err := c.WriteFrame(s); err != nil {
		log.Warn("Failed to write reply", zap.Error(err))
	}
}
