// Package transport implements spec §6's single authenticated
// inter-node channel: one QUIC connection per peer, carrying both SWIM
// gossip and Raft RPCs, framed by a length-prefixed envelope
// {message_kind, cluster_id, sender_node_id, payload}. SWIM and Raft
// each register a Handler for their MessageKind; every exchange is a
// request/response round trip on its own stream, which lets both the
// SWIM ping/ack cycle and the Raft RPCs share one implementation
// instead of each package rolling its own framing.
//
// Authentication is mutual TLS against a shared cluster CA (see
// tlsresolver.OriginCAProvider, reused here rather than inventing a
// second certificate authority) — every node presents a leaf signed by
// the cluster CA and verifies its peer's leaf the same way.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// MessageKind discriminates the two protocols sharing the channel.
type MessageKind uint8

const (
	KindSWIM MessageKind = iota + 1
	KindRaft
)

// Envelope is the wire-level frame spec §6 names. Payload is left as
// raw JSON so transport never needs to know SWIM's or Raft's message
// shapes.
type Envelope struct {
	Kind         MessageKind     `json:"message_kind"`
	ClusterID    string          `json:"cluster_id"`
	SenderNodeID string          `json:"sender_node_id"`
	Payload      json.RawMessage `json:"payload"`
}

// Handler processes one inbound request and returns the value to send
// back as the response payload (or an error, surfaced to the caller of
// Request as a failed round trip).
type Handler func(ctx context.Context, fromAddr string, env Envelope) (any, error)

const maxFrameSize = 4 << 20 // 4 MiB, generous for a log-replication batch

// Transport owns the QUIC listener and a small pool of dialed peer
// connections, reused across requests the way the proxy engine's Pool
// reuses HTTP connections per upstream.
type Transport struct {
	nodeID    string
	clusterID string
	tlsConf   *tls.Config
	log       *zap.Logger

	listener *quic.Listener

	mu    sync.Mutex
	conns map[string]*quic.Conn

	handlersMu sync.RWMutex
	handlers   map[MessageKind]Handler
}

func New(nodeID, clusterID string, tlsConf *tls.Config, log *zap.Logger) *Transport {
	return &Transport{
		nodeID:    nodeID,
		clusterID: clusterID,
		tlsConf:   tlsConf,
		log:       log,
		conns:     make(map[string]*quic.Conn),
		handlers:  make(map[MessageKind]Handler),
	}
}

// Handle registers the handler invoked for every inbound request of
// the given kind. Must be called before Listen.
func (t *Transport) Handle(kind MessageKind, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[kind] = h
}

// Listen binds the QUIC socket and begins accepting peer connections.
// It returns once the socket is bound; acceptance continues in the
// background until ctx is cancelled or Close is called.
func (t *Transport) Listen(ctx context.Context, bindAddr string) error {
	ln, err := quic.ListenAddr(bindAddr, t.tlsConf, &quic.Config{})
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", bindAddr, err)
	}
	t.listener = ln
	go t.acceptLoop(ctx)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if t.log != nil {
				t.log.Warn("transport: accept failed", zap.Error(err))
			}
			continue
		}
		go t.serveConn(ctx, conn)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn *quic.Conn) {
	from := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go t.serveStream(ctx, from, stream)
	}
}

func (t *Transport) serveStream(ctx context.Context, from string, stream *quic.Stream) {
	defer stream.Close()

	env, err := readEnvelope(stream)
	if err != nil {
		return
	}
	if env.ClusterID != t.clusterID {
		if t.log != nil {
			t.log.Warn("transport: rejected message from foreign cluster", zap.String("cluster_id", env.ClusterID), zap.String("from", from))
		}
		return
	}

	t.handlersMu.RLock()
	h, ok := t.handlers[env.Kind]
	t.handlersMu.RUnlock()
	if !ok {
		return
	}

	resp, err := h(ctx, from, env)
	if err != nil {
		_ = writeEnvelope(stream, Envelope{Kind: env.Kind, ClusterID: t.clusterID, SenderNodeID: t.nodeID, Payload: errorPayload(err)})
		return
	}
	buf, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = writeEnvelope(stream, Envelope{Kind: env.Kind, ClusterID: t.clusterID, SenderNodeID: t.nodeID, Payload: buf})
}

// Request opens one stream to peerAddr, sends payload framed under
// kind, and decodes the response into out. Both SWIM (ping/ack,
// indirect ping) and Raft (RequestVote, AppendEntries) build their RPCs
// on top of this one call.
func (t *Transport) Request(ctx context.Context, peerAddr string, kind MessageKind, payload any, out any) error {
	conn, err := t.connFor(ctx, peerAddr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.dropConn(peerAddr)
		return err
	}
	defer stream.Close()

	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := writeEnvelope(stream, Envelope{Kind: kind, ClusterID: t.clusterID, SenderNodeID: t.nodeID, Payload: buf}); err != nil {
		t.dropConn(peerAddr)
		return err
	}

	respEnv, err := readEnvelope(stream)
	if err != nil {
		t.dropConn(peerAddr)
		return err
	}
	if msg, isErr := asErrorPayload(respEnv.Payload); isErr {
		return errors.New(msg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respEnv.Payload, out)
}

func (t *Transport) connFor(ctx context.Context, addr string) (*quic.Conn, error) {
	t.mu.Lock()
	if c, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *Transport) dropConn(addr string) {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	delete(t.conns, addr)
	t.mu.Unlock()
	if ok {
		_ = conn.CloseWithError(0, "transport: dropping stale connection")
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*quic.Conn)
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(0, "transport: closing")
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

type errEnvelope struct {
	Error string `json:"__transport_error"`
}

func errorPayload(err error) json.RawMessage {
	buf, _ := json.Marshal(errEnvelope{Error: err.Error()})
	return buf
}

func asErrorPayload(raw json.RawMessage) (string, bool) {
	var e errEnvelope
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error, true
	}
	return "", false
}

func writeEnvelope(w io.Writer, env Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(buf) > maxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(buf), maxFrameSize)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func readEnvelope(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Envelope{}, fmt.Errorf("transport: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
