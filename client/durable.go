package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridlink/codec"
	"gridlink/durable"
	"gridlink/message"
	"gridlink/protocol"
)

const (
	EnvelopeRequest = "request"
	EnvelopeNotify  = "notify"
)

// Envelope is what master processes publish on protocol.RPCChannel for the
// hub holding the target node's connection.
type Envelope struct {
	Type    string
	NodeID  string
	Message message.Message
}

// Map is the form published on the durable log.
func (e Envelope) Map() map[string]any {
	return map[string]any{
		"type":    e.Type,
		"node_id": e.NodeID,
		"message": e.Message.Array(),
	}
}

// ParseEnvelope reads an envelope back from decoded log data.
func ParseEnvelope(data any) (Envelope, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return Envelope{}, fmt.Errorf("client: envelope is %T, not a map", data)
	}
	typ, _ := m["type"].(string)
	nodeID, _ := m["node_id"].(string)
	if nodeID == "" {
		return Envelope{}, fmt.Errorf("client: envelope without node_id")
	}
	msg, err := codec.Parse(m["message"])
	if err != nil {
		return Envelope{}, fmt.Errorf("client: envelope message: %w", err)
	}
	switch {
	case typ == EnvelopeRequest && msg.Kind() == message.KindRequest:
	case typ == EnvelopeNotify && msg.Kind() == message.KindNotification:
	default:
		return Envelope{}, fmt.Errorf("client: envelope type %q does not match %s", typ, msg.Kind())
	}
	return Envelope{Type: typ, NodeID: nodeID, Message: msg}, nil
}

// Durable is the master-side transport. Requests are published on the
// durable log for whichever hub holds the node's connection; responses come
// back on the log too.
type Durable struct {
	ps     *durable.PubSub
	nodeID string
}

func NewDurable(ps *durable.PubSub, nodeID string) *Durable {
	return &Durable{ps: ps, nodeID: nodeID}
}

func (d *Durable) Await(ctx context.Context, id uint64, wait time.Duration) (<-chan *message.Response, func(), error) {
	responses := make(chan *message.Response, 1)
	ready := make(chan struct{})
	failed := make(chan error, 1)
	var sub *durable.Subscription

	go func() {
		defer close(responses)
		err := d.ps.Subscribe(ctx, protocol.ResponseChannel(id), func(s *durable.Subscription) {
			sub = s
			s.OnMessage(wait, func(data any) error {
				msg, err := codec.Parse(data)
				if err != nil {
					return err
				}
				if resp, ok := msg.(*message.Response); ok {
					select {
					case responses <- resp:
					default:
					}
					s.Close()
				}
				return nil
			})
			close(ready)
		})
		if err != nil {
			failed <- err
		}
	}()

	select {
	case <-ready:
	case err := <-failed:
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() { once.Do(sub.Close) }
	return responses, cancel, nil
}

func (d *Durable) Send(ctx context.Context, msg message.Message) error {
	env := Envelope{NodeID: d.nodeID, Message: msg}
	switch msg.Kind() {
	case message.KindRequest:
		env.Type = EnvelopeRequest
	case message.KindNotification:
		env.Type = EnvelopeNotify
	default:
		return fmt.Errorf("client: cannot send %s over the durable log", msg.Kind())
	}
	return d.ps.Publish(ctx, protocol.RPCChannel, env.Map())
}
