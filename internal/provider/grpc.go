package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote agent methods. Messages are google.protobuf.Struct documents.
const (
	chatMethod    = "/agent.AgentService/Chat"
	suggestMethod = "/agent.AgentService/SuggestAction"
	agentService  = "agent.AgentService"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errChatResponse             = errors.New("chat response returned error")
)

var chatStreamDesc = &grpc.StreamDesc{
	StreamName:    "Chat",
	ServerStreams: true,
}

// Grpc streams responses from a remote agent service.
type Grpc struct {
	conn           *grpc.ClientConn
	health         grpc_health_v1.HealthClient
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewGrpc dials the agent service and waits until the connection is ready.
func NewGrpc(ctx context.Context, cfg Config, logger *slog.Logger) (*Grpc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Address
	if addr == "" {
		addr = "localhost:50051"
	}

	kacp := keepalive.ClientParameters{
		Time:                2 * time.Minute,
		Timeout:             10 * time.Second,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", addr, err)
	}

	// Fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", addr, err)
	}

	logger.Info("Connected to agent service", "address", addr)

	return newGrpcFromConn(conn, addr, cfg.RequestTimeout, logger), nil
}

func newGrpcFromConn(conn *grpc.ClientConn, addr string, timeout time.Duration, logger *slog.Logger) *Grpc {
	return &Grpc{
		conn:           conn,
		health:         grpc_health_v1.NewHealthClient(conn),
		addr:           addr,
		requestTimeout: timeout,
		logger:         logger,
	}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Generate implements Provider.
func (c *Grpc) Generate(ctx context.Context, conv domain.Conversation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if c.requestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}

		req, err := conversationStruct(conv)
		if err != nil {
			yield("", Classify(err))
			return
		}

		stream, err := c.conn.NewStream(ctx, chatStreamDesc, chatMethod)
		if err != nil {
			yield("", Classify(fmt.Errorf("chat request failed: %w", err)))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield("", Classify(fmt.Errorf("chat request failed: %w", err)))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield("", Classify(fmt.Errorf("chat request failed: %w", err)))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", Classify(fmt.Errorf("chat stream error: %w", err)))
				return
			}

			fields := resp.GetFields()
			if fields["response_type"].GetStringValue() == "error" {
				errMsg := fields["error_message"].GetStringValue()
				if errMsg == "" {
					yield("", Classify(errChatResponse))
					return
				}
				yield("", Classify(fmt.Errorf("%w: %s", errChatResponse, errMsg)))
				return
			}

			if !yield(fields["content"].GetStringValue(), nil) {
				return
			}
		}
	}
}

// Propose implements Proposer.
func (c *Grpc) Propose(ctx context.Context, conv domain.Conversation) (*domain.ActionProposal, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req, err := conversationStruct(conv)
	if err != nil {
		return nil, Classify(err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, suggestMethod, req, resp); err != nil {
		c.logger.Warn("SuggestAction failed", "error", err, "session_id", conv.SessionID)
		return nil, Classify(err)
	}

	raw, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode proposal: %w", err)
	}
	return parseProposal(string(raw))
}

// Check implements Checker using the standard gRPC health service.
func (c *Grpc) Check(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: agentService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check failed: agent is %s", resp.GetStatus())
	}
	return nil
}

// Name implements Provider.
func (c *Grpc) Name() string { return "grpc" }

// Close closes the gRPC connection.
func (c *Grpc) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

func conversationStruct(conv domain.Conversation) (*structpb.Struct, error) {
	messages := make([]any, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": m.Content,
		})
	}
	st, err := structpb.NewStruct(map[string]any{
		"session_id": conv.SessionID,
		"thread_id":  conv.ThreadID,
		"messages":   messages,
	})
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	return st, nil
}
