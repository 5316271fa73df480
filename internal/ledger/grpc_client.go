package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/shared"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	methodSubmitTransfer = "/tripstake.ledger.v1.Ledger/SubmitTransfer"
	methodBalance        = "/tripstake.ledger.v1.Ledger/GetBalance"
	methodAllowance      = "/tripstake.ledger.v1.Ledger/CheckAllowance"
	methodEscrowBalance  = "/tripstake.ledger.v1.Ledger/GetEscrowBalance"
)

// GrpcClient talks to a ledger gateway service. Amounts travel as decimal
// strings of base units inside google.protobuf.Struct messages.
type GrpcClient struct {
	conn           *grpc.ClientConn
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewGrpcClient connects to the ledger gateway and waits for readiness.
func NewGrpcClient(dial shared.GrpcDialConfig, requestTimeout time.Duration, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := shared.DialGrpc(dial)
	if err != nil {
		return nil, fmt.Errorf("connect to ledger gateway: %w", err)
	}
	logger.Info("Connected to ledger gateway", "address", dial.Address)
	return &GrpcClient{conn: conn, requestTimeout: requestTimeout, logger: logger}, nil
}

var _ Ledger = (*GrpcClient)(nil)

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close ledger connection", "error", err)
		}
	}
}

// SubmitTransfer implements Ledger.
func (c *GrpcClient) SubmitTransfer(ctx context.Context, t Transfer) (string, error) {
	out, err := c.call(ctx, methodSubmitTransfer, map[string]any{
		"from":        t.From,
		"to":          t.To,
		"spender":     t.Spender,
		"beneficiary": t.Beneficiary,
		"amount":      FormatUnits(t.Amount),
		"memo":        t.Memo,
	})
	if err != nil {
		return "", err
	}
	ref := out.GetFields()["transaction_ref"].GetStringValue()
	if ref == "" {
		return "", fmt.Errorf("ledger returned no transaction reference: %w", domain.ErrLedgerRejected)
	}
	return ref, nil
}

// Balance implements Ledger.
func (c *GrpcClient) Balance(ctx context.Context, account string) (*uint256.Int, error) {
	return c.amount(ctx, methodBalance, map[string]any{"account": account})
}

// Allowance implements Ledger.
func (c *GrpcClient) Allowance(ctx context.Context, owner, spender string) (*uint256.Int, error) {
	return c.amount(ctx, methodAllowance, map[string]any{"owner": owner, "spender": spender})
}

// EscrowBalance implements Ledger.
func (c *GrpcClient) EscrowBalance(ctx context.Context, escrow, owner string) (*uint256.Int, error) {
	return c.amount(ctx, methodEscrowBalance, map[string]any{"escrow": escrow, "owner": owner})
}

func (c *GrpcClient) amount(ctx context.Context, method string, req map[string]any) (*uint256.Int, error) {
	out, err := c.call(ctx, method, req)
	if err != nil {
		return nil, err
	}
	return ParseUnits(out.GetFields()["amount"].GetStringValue())
}

func (c *GrpcClient) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, classify(method, err)
	}
	return out, nil
}

// classify maps gateway status codes onto the engine's error kinds.
func classify(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return fmt.Errorf("%s: %s: %w", method, st.Message(), domain.ErrInsufficientFunds)
	case codes.PermissionDenied:
		return fmt.Errorf("%s: %s: %w", method, st.Message(), domain.ErrNotApproved)
	case codes.FailedPrecondition, codes.InvalidArgument, codes.Aborted:
		return fmt.Errorf("%s: %s: %w", method, st.Message(), domain.ErrLedgerRejected)
	default:
		return fmt.Errorf("%s: %w", method, err)
	}
}
