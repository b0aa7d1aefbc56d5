package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
	"github.com/Blackdeer1524/ReplicaDB/src/wire"
)

const (
	codecName    = "msgpack"
	serviceName  = "replicadb.Replication"
	streamMethod = "/" + serviceName + "/Stream"
)

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// Acceptor takes over a freshly opened replica stream. The stream stays
// open until the returned channel is closed.
type Acceptor interface {
	Accept(ctx context.Context, replicaID string, from vlsn.VLSN, ch Channel) (<-chan struct{}, error)
}

type replicationServer interface {
	stream(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicationServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Stream",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(replicationServer).stream(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "replication",
}

// IsAlreadyExists reports whether err is the stream rejection the primary
// sends when a replica with the same id is already streaming.
func IsAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}

// Server accepts replica streams on the primary.
type Server struct {
	grpc     *grpc.Server
	acceptor Acceptor
	logger   src.Logger
}

func NewServer(acceptor Acceptor, logger src.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:     grpc.NewServer(opts...),
		acceptor: acceptor,
		logger:   logger,
	}
	s.grpc.RegisterService(&serviceDesc, s)

	return s
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infow("replication server is listening", zap.Stringer("addr", lis.Addr()))

	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

func (s *Server) Stop() {
	s.grpc.Stop()
}

func (s *Server) stream(stream grpc.ServerStream) error {
	var first wire.Message
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if first.Type != wire.TypeStart || first.Start == nil {
		return status.Errorf(codes.InvalidArgument, "expected a start message, got %v", first.Type)
	}

	ch := &serverChannel{stream: stream, closed: make(chan struct{})}

	done, err := s.acceptor.Accept(stream.Context(), first.Start.ReplicaID, first.Start.From, ch)
	if err != nil {
		s.logger.Warnw(
			"replica stream rejected",
			zap.String("replica", first.Start.ReplicaID),
			zap.Error(err),
		)
		if errors.Is(err, ErrDuplicateStream) {
			return status.Error(codes.AlreadyExists, err.Error())
		}
		return status.Error(codes.FailedPrecondition, err.Error())
	}

	select {
	case <-done:
	case <-ch.closed:
	case <-stream.Context().Done():
	}

	return nil
}

type serverChannel struct {
	stream grpc.ServerStream

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *serverChannel) Send(ctx context.Context, m *wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.stream.SendMsg(m); err != nil {
		return streamError(err)
	}

	return nil
}

func (c *serverChannel) Recv(ctx context.Context) (*wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var m wire.Message
	if err := c.stream.RecvMsg(&m); err != nil {
		return nil, streamError(err)
	}

	return &m, nil
}

func (c *serverChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type clientChannel struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Dial opens a replication stream to the primary at target and announces
// replicaID, asking for entries starting at from.
func Dial(
	ctx context.Context,
	target string,
	replicaID string,
	from vlsn.VLSN,
	opts ...grpc.DialOption,
) (Channel, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], streamMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}

	start := &wire.Message{
		Type:  wire.TypeStart,
		Start: &wire.Start{ReplicaID: replicaID, From: from},
	}
	if err := stream.SendMsg(start); err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("transport: send start: %w", err)
	}

	return &clientChannel{conn: conn, stream: stream, cancel: cancel}, nil
}

func (c *clientChannel) Send(ctx context.Context, m *wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.stream.SendMsg(m); err != nil {
		return streamError(err)
	}

	return nil
}

func (c *clientChannel) Recv(ctx context.Context) (*wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var m wire.Message
	if err := c.stream.RecvMsg(&m); err != nil {
		return nil, streamError(err)
	}

	return &m, nil
}

func (c *clientChannel) Close() error {
	_ = c.stream.CloseSend()
	c.cancel()

	return c.conn.Close()
}

func streamError(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrChannelClosed
	}
	if IsAlreadyExists(err) {
		return err
	}

	return fmt.Errorf("%w: %v", ErrChannelClosed, err)
}
