package grpcfeed

import (
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

const streamBuffer = 256

var errSlowConsumer = errors.New("subscriber fell behind")

// Server streams a local ChangeFeed to remote subscribers.
type Server struct {
	feed   store.ChangeFeed
	logger *slog.Logger
}

var _ FeedServer = (*Server)(nil)

func NewServer(feed store.ChangeFeed, logger *slog.Logger) *Server {
	return &Server{feed: feed, logger: logger.With("module", "grpc_feed")}
}

func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Subscribe relays events until the client goes away or the local feed
// breaks. A client that cannot keep up is cut off rather than silently
// skipped; it resubscribes and reconciles from the store.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	sessionID := req.GetFields()["session_id"].GetStringValue()

	events := make(chan types.ChangeEvent, streamBuffer)
	lost := make(chan error, 1)
	fail := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	sub, err := s.feed.Subscribe(ctx, sessionID,
		func(ev types.ChangeEvent) {
			select {
			case events <- ev:
			default:
				fail(errSlowConsumer)
			}
		},
		func(st types.FeedStatus) {
			if !st.Connected {
				fail(st.Err)
			}
		})
	if err != nil {
		return status.Errorf(codes.Unavailable, "subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := stream.SendMsg(readyMessage()); err != nil {
		return err
	}
	s.logger.Info("remote subscriber attached", "session_id", sessionID)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("remote subscriber detached", "session_id", sessionID)
			return nil
		case err := <-lost:
			s.logger.Warn("remote subscription dropped", "session_id", sessionID, "err", err)
			return status.Errorf(codes.Unavailable, "feed lost: %v", err)
		case ev := <-events:
			if err := stream.SendMsg(eventToStruct(ev)); err != nil {
				return err
			}
		}
	}
}
