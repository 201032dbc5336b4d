package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridlink/codec"
	"gridlink/message"
	"gridlink/protocol"
)

type PeerConfig struct {
	Keepalive    time.Duration
	WriteTimeout time.Duration
	// Codec for outbound frames.
	Codec codec.CodecType
}

func (c PeerConfig) withDefaults() PeerConfig {
	if c.Keepalive <= 0 {
		c.Keepalive = DefaultKeepalive
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Peer is one open websocket connection carrying RPC messages, used by both
// ends. Writes go through a single writer goroutine; reads happen in Serve.
type Peer struct {
	ws     *websocket.Conn
	cfg    PeerConfig
	codec  codec.Codec
	logger *zap.Logger

	out  chan frame
	done chan struct{}
	once sync.Once
}

type frame struct {
	kind int
	data []byte
}

func NewPeer(ws *websocket.Conn, cfg PeerConfig, logger *zap.Logger) *Peer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Peer{
		ws:     ws,
		cfg:    cfg,
		codec:  codec.GetCodec(cfg.Codec),
		logger: logger,
		out:    make(chan frame, outboundBuffer),
		done:   make(chan struct{}),
	}
}

// Send encodes msg and queues it for the writer. It returns ErrNotConnected
// once the peer has stopped.
func (p *Peer) Send(msg message.Message) error {
	data, err := p.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msg.Kind(), err)
	}
	f := frame{kind: websocket.BinaryMessage, data: data}
	if p.codec.Type() == codec.CodecTypeJSON {
		f.kind = websocket.TextMessage
	}
	select {
	case <-p.done:
		return ErrNotConnected
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return ErrNotConnected
	}
}

// Serve runs the writer and reads until the connection ends, passing every
// decoded message to handle on the reader goroutine. Frames that do not
// decode are logged and dropped. It returns the close code and reason.
func (p *Peer) Serve(handle func(message.Message)) (int, string) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop()
	}()

	code, reason := p.readLoop(handle)

	p.stop()
	<-writerDone
	p.ws.Close()
	return code, reason
}

// Close starts the close handshake with code and closes the socket, which
// ends Serve.
func (p *Peer) Close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.cfg.WriteTimeout))
	p.ws.Close()
}

// Done is closed when the peer stops accepting sends.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *Peer) readLoop(handle func(message.Message)) (int, string) {
	deadline := 2*p.cfg.Keepalive + p.cfg.WriteTimeout
	p.ws.SetReadDeadline(time.Now().Add(deadline))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(deadline))
	})
	p.ws.SetPingHandler(func(data string) error {
		p.ws.SetReadDeadline(time.Now().Add(deadline))
		err := p.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(p.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		kind, data, err := p.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			return protocol.CloseAbnormal, err.Error()
		}
		p.ws.SetReadDeadline(time.Now().Add(deadline))

		var cdc codec.Codec
		switch kind {
		case websocket.BinaryMessage:
			cdc = codec.GetCodec(codec.CodecTypeBinary)
		case websocket.TextMessage:
			cdc = codec.GetCodec(codec.CodecTypeJSON)
		default:
			continue
		}
		msg, err := cdc.Decode(data)
		if err != nil {
			p.logger.Warn("dropping unrecognized frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		handle(msg)
	}
}

func (p *Peer) writeLoop() {
	ticker := time.NewTicker(p.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case f := <-p.out:
			p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
			if err := p.ws.WriteMessage(f.kind, f.data); err != nil {
				p.logger.Warn("write failed", zap.Error(err))
				p.ws.Close()
				return
			}
		case <-ticker.C:
			if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.cfg.WriteTimeout)); err != nil {
				p.logger.Warn("keepalive ping failed", zap.Error(err))
				p.ws.Close()
				return
			}
		}
	}
}
