// Package cluster implements the cluster fan-out of spec section 4.5: a
// small gin-based HTTP endpoint that receives hints from peer nodes, and a
// broadcaster that posts those same hints out to configured peers. Every
// send is fire-and-forget — a peer that is unreachable only loses an
// optimization (a due row it was not told about is still claimed the next
// time its worker wakes and drains every due row), never correctness, so
// failures are logged and never retried.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HintKind distinguishes the two message shapes of spec.md §4.5.
type HintKind string

const (
	HintRefresh       HintKind = "refresh"
	HintSetNextExpiry HintKind = "set_next_expiry"
)

// Hint is the wire shape POSTed to a peer's /timewarden/hint endpoint.
type Hint struct {
	Kind HintKind  `json:"kind"`
	At   time.Time `json:"at,omitempty"`
}

// Dispatcher is the subset of dispatcher.Worker the HTTP receiver drives.
// Declared here, rather than imported, to keep this package from depending
// on internal/dispatcher.
type Dispatcher interface {
	Refresh()
	SetNextExpiry(at time.Time)
}

// Receiver exposes the gin endpoint peers POST hints to.
type Receiver struct {
	worker Dispatcher
	log    *slog.Logger
}

func NewReceiver(worker Dispatcher, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{worker: worker, log: log}
}

// Handler returns an http.Handler exposing POST /timewarden/hint, grounded
// on the teacher's internal/server.Router embeddable-gin pattern.
func (r *Receiver) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.POST("/timewarden/hint", r.handleHint)
	return g
}

func (r *Receiver) handleHint(c *gin.Context) {
	var hint Hint
	if err := c.ShouldBindJSON(&hint); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch hint.Kind {
	case HintRefresh:
		r.worker.Refresh()
	case HintSetNextExpiry:
		if hint.At.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "set_next_expiry hint missing at"})
			return
		}
		r.worker.SetNextExpiry(hint.At)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown hint kind %q", hint.Kind)})
		return
	}
	c.Status(http.StatusNoContent)
}

// Broadcaster fans a Hint out to every configured peer. Each peer is
// notified concurrently and independently; a failed send is logged and
// otherwise ignored.
type Broadcaster struct {
	peers  []string
	client *http.Client
	log    *slog.Logger
}

type BroadcasterOption func(*Broadcaster)

func WithHTTPClient(c *http.Client) BroadcasterOption {
	return func(b *Broadcaster) { b.client = c }
}

func WithBroadcastLogger(log *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.log = log }
}

func NewBroadcaster(peers []string, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		peers: peers,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Refresh fans a "refresh" hint out to every peer, fire-and-forget.
func (b *Broadcaster) Refresh(ctx context.Context) {
	b.broadcast(ctx, Hint{Kind: HintRefresh})
}

// SetNextExpiry fans a "set_next_expiry" hint out to every peer,
// fire-and-forget.
func (b *Broadcaster) SetNextExpiry(ctx context.Context, at time.Time) {
	b.broadcast(ctx, Hint{Kind: HintSetNextExpiry, At: at})
}

func (b *Broadcaster) broadcast(ctx context.Context, hint Hint) {
	for _, peer := range b.peers {
		go b.send(ctx, peer, hint)
	}
}

func (b *Broadcaster) send(ctx context.Context, peer string, hint Hint) {
	body, err := json.Marshal(hint)
	if err != nil {
		b.log.Error("cluster: marshal hint failed", "peer", peer, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/timewarden/hint", bytes.NewReader(body))
	if err != nil {
		b.log.Error("cluster: build hint request failed", "peer", peer, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Warn("cluster: hint delivery failed", "peer", peer, "kind", hint.Kind, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b.log.Warn("cluster: peer rejected hint", "peer", peer, "kind", hint.Kind, "status", resp.StatusCode)
	}
}
