package transport

import (
	"context"
	"sync"

	"github.com/Blackdeer1524/ReplicaDB/src/wire"
)

type pipeEnd struct {
	in  <-chan []byte
	out chan<- []byte

	closed    chan struct{}
	closeOnce *sync.Once
}

// Pipe returns the two ends of an in-memory channel. Each direction buffers
// up to capacity messages; messages are encoded as on the network. Closing
// either end closes both.
func Pipe(capacity int) (Channel, Channel) {
	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEnd{in: ba, out: ab, closed: closed, closeOnce: once}
	b := &pipeEnd{in: ab, out: ba, closed: closed, closeOnce: once}

	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, m *wire.Message) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return err
	}

	select {
	case <-p.closed:
		return ErrChannelClosed
	default:
	}

	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (*wire.Message, error) {
	select {
	case data := <-p.in:
		return wire.Unmarshal(data)
	case <-p.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
