package sink

import (
	"context"
	"fmt"
	"log"

	"github.com/go-zeromq/zmq4"

	"github.com/agsys/rigpanel/internal/notice"
)

// ZMQ serves notices on a PUB socket as [kind, json] frames. Subscribers
// filter on the kind prefix.
type ZMQ struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
}

// NewZMQ binds a PUB socket on endpoint
func NewZMQ(ctx context.Context, endpoint string) (*ZMQ, error) {
	ctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(endpoint); err != nil {
		cancel()
		sock.Close()
		return nil, fmt.Errorf("failed to bind zmq publisher: %w", err)
	}
	log.Printf("ZMQ publisher listening on %s", endpoint)
	return &ZMQ{sock: sock, cancel: cancel}, nil
}

func (z *ZMQ) Name() string { return "zmq" }

func (z *ZMQ) Publish(ctx context.Context, n notice.Notice) error {
	payload, err := n.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	return z.sock.Send(zmq4.NewMsgFrom([]byte(n.Kind), payload))
}

func (z *ZMQ) Close() error {
	err := z.sock.Close()
	z.cancel()
	return err
}
