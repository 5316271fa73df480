package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/tripstake/internal/shared"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const recommendMethod = "/tripstake.oracle.v1.ReasoningOracle/Recommend"

var errEmptyRecommendation = errors.New("oracle returned an empty recommendation")

// GrpcClient calls an external reasoning service. Requests and replies are
// google.protobuf.Struct messages; the reply carries the model output in
// "text", or a pre-classified "decision"/"amount"/"reason" triple.
type GrpcClient struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the oracle client.
type GrpcClientConfig struct {
	Dial           shared.GrpcDialConfig
	RequestTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Dial:           shared.DefaultGrpcDialConfig(addr),
		RequestTimeout: 20 * time.Second,
	}
}

// NewGrpcClient connects to the reasoning service and waits for readiness.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := shared.DialGrpc(cfg.Dial)
	if err != nil {
		return nil, fmt.Errorf("connect to reasoning oracle: %w", err)
	}
	logger.Info("Connected to reasoning oracle", "address", cfg.Dial.Address)

	return &GrpcClient{
		conn:           conn,
		addr:           cfg.Dial.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

var _ Oracle = (*GrpcClient)(nil)

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close oracle connection", "error", err)
		}
	}
}

// Recommend sends the request and returns the oracle's text.
func (c *GrpcClient) Recommend(ctx context.Context, req Request) (string, error) {
	in, err := structpb.NewStruct(map[string]any{
		"kind":            string(req.Kind),
		"request_id":      req.RequestID,
		"pool_id":         req.PoolID,
		"destination":     req.Destination,
		"participants":    req.Participants,
		"proposed_amount": req.ProposedAmount.String(),
		"original_amount": req.OriginalAmount.String(),
		"min_amount":      req.MinAmount.String(),
		"max_amount":      req.MaxAmount.String(),
		"round":           req.Round,
		"max_rounds":      req.MaxRounds,
		"reason":          req.Reason,
		"budget_stats": map[string]any{
			"min":     req.Stats.Min.String(),
			"max":     req.Stats.Max.String(),
			"average": req.Stats.Average.String(),
			"median":  req.Stats.Median.String(),
			"count":   req.Stats.Count,
		},
		"prompt": req.Prompt(),
	})
	if err != nil {
		return "", fmt.Errorf("build oracle request: %w", err)
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, recommendMethod, in, out); err != nil {
		c.logger.Warn("Oracle request failed", "error", err, "request_id", req.RequestID, "kind", req.Kind)
		return "", fmt.Errorf("oracle recommend: %w", err)
	}

	fields := out.GetFields()
	if text := strings.TrimSpace(fields["text"].GetStringValue()); text != "" {
		return text, nil
	}
	if decision := fields["decision"].GetStringValue(); decision != "" {
		amount := fields["amount"].GetStringValue()
		if amount == "" {
			if n, ok := fields["amount"].GetKind().(*structpb.Value_NumberValue); ok {
				amount = fmt.Sprintf("%g", n.NumberValue)
			}
		}
		return fmt.Sprintf("%s | %s | %s", decision, amount, fields["reason"].GetStringValue()), nil
	}
	return "", errEmptyRecommendation
}
