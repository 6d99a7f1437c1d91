package grpcfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// Client is a ChangeFeed backed by a remote Server.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

var _ store.ChangeFeed = (*Client)(nil)

// Dial creates a client for target. The connection is made lazily; a server
// that is down shows up as a disconnected status on the first subscription.
func Dial(target string, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	return &Client{conn: conn, logger: logger.With("module", "grpc_feed_client", "target", target)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Subscribe(ctx context.Context, sessionID string, onChange func(types.ChangeEvent), onStatus func(types.FeedStatus)) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.conn.NewStream(subCtx, &serviceDesc.Streams[subscribeStreamIndex], subscribeMethod)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(subscribeRequest(sessionID)); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}

	sub := &clientSub{cancel: cancel, done: make(chan struct{})}
	go c.run(subCtx, stream, sub, onChange, onStatus)
	return sub, nil
}

func (c *Client) run(ctx context.Context, stream grpc.ClientStream, sub *clientSub, onChange func(types.ChangeEvent), onStatus func(types.FeedStatus)) {
	defer close(sub.done)

	report := func(st types.FeedStatus) {
		if ctx.Err() == nil && onStatus != nil {
			onStatus(st)
		}
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("feed stream closed by server")
			}
			c.logger.Warn("feed stream lost", "err", err)
			report(types.FeedStatus{Connected: false, Err: err})
			return
		}

		ev, ready, err := eventFromStruct(msg)
		switch {
		case err != nil:
			c.logger.Warn("bad feed message", "err", err)
		case ready:
			report(types.FeedStatus{Connected: true})
		case ctx.Err() == nil && onChange != nil:
			onChange(ev)
		}
	}
}

type clientSub struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *clientSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}
