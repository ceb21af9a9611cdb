package notify

import (
	"context"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const zmqSendTimeout = 2 * time.Second

// ZMQ pushes JSON events to a health poller over a PUSH socket.
type ZMQ struct {
	endpoint string

	mu     sync.Mutex
	socket *zmq4.Socket
}

// NewZMQ connects a PUSH socket to endpoint.
func NewZMQ(endpoint string) (*ZMQ, error) {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, errors.Wrap(err, "notify: create zmq socket failed")
	}
	// pending events are dropped on close instead of blocking shutdown
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, errors.Wrap(err, "notify: set zmq linger failed")
	}
	if err := socket.SetSndtimeo(zmqSendTimeout); err != nil {
		socket.Close()
		return nil, errors.Wrap(err, "notify: set zmq send timeout failed")
	}
	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, errors.Wrapf(err, "notify: connect zmq endpoint %s failed", endpoint)
	}
	log.Info().Str("endpoint", endpoint).Msg("notify: zmq connected")
	return &ZMQ{endpoint: endpoint, socket: socket}, nil
}

func (z *ZMQ) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		log.Warn().Str("task_id", ev.TaskID).Msg("notify: zmq closed, event dropped")
		return nil
	}
	if _, err := z.socket.SendBytes(data, 0); err != nil {
		return errors.Wrapf(err, "notify: zmq send to %s failed", z.endpoint)
	}
	log.Debug().Str("task_id", ev.TaskID).Str("status", ev.Status).Msg("notify: zmq event sent")
	return nil
}

func (z *ZMQ) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
