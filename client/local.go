package client

import (
	"context"
	"sync"
	"time"

	"gridlink/message"
	"gridlink/protocol"
	"gridlink/pubsub"
)

// Sender writes a message to the peer. *transport.Conn implements it.
type Sender interface {
	Send(msg message.Message) error
}

type queueSender struct {
	q interface{ Push(item any) }
}

func (s queueSender) Send(msg message.Message) error {
	s.q.Push(msg)
	return nil
}

// ViaQueue sends through an outbound queue such as queue.Queue.
func ViaQueue(q interface{ Push(item any) }) Sender {
	return queueSender{q: q}
}

// Local is the agent-side transport. Responses arrive on the topic registry,
// where the connection manager publishes them.
type Local struct {
	events *pubsub.Registry
	sender Sender
}

func NewLocal(events *pubsub.Registry, sender Sender) *Local {
	return &Local{events: events, sender: sender}
}

func (l *Local) Await(ctx context.Context, id uint64, wait time.Duration) (<-chan *message.Response, func(), error) {
	responses := make(chan *message.Response, 1)
	var once sync.Once
	sub := l.events.Subscribe(protocol.ResponseChannel(id), func(msg any) error {
		resp, ok := msg.(*message.Response)
		if !ok {
			return nil
		}
		once.Do(func() { responses <- resp })
		return nil
	})
	return responses, sub.Unsubscribe, nil
}

func (l *Local) Send(ctx context.Context, msg message.Message) error {
	return l.sender.Send(msg)
}
