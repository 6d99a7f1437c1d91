// Package grpcfeed carries a ChangeFeed over gRPC so stations in other
// processes follow the same session history.
//
// There is no generated code: requests and events travel as
// google.protobuf.Struct on a hand-declared server-streaming method,
// presence.v1.ChangeFeed/Subscribe.
package grpcfeed

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName          = "presence.v1.ChangeFeed"
	subscribeMethod      = "/" + ServiceName + "/Subscribe"
	subscribeStreamIndex = 0
)

// FeedServer is the handler type registered for the service.
type FeedServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeedServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "presence/v1/feed.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FeedServer).Subscribe(req, stream)
}
