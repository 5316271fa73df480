package ledger

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// gatewayFunc answers one ledger method.
type gatewayFunc func(method string, in *structpb.Struct) (map[string]any, error)

func startGateway(t *testing.T, fn gatewayFunc) *GrpcClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		reply, err := fn(method, in)
		if err != nil {
			return err
		}
		out, err := structpb.NewStruct(reply)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewGrpcClient(shared.DefaultGrpcDialConfig(lis.Addr().String()), 2*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGrpcClientSubmitTransfer(t *testing.T) {
	t.Parallel()

	var got *structpb.Struct
	c := startGateway(t, func(method string, in *structpb.Struct) (map[string]any, error) {
		if method != methodSubmitTransfer {
			return nil, status.Error(codes.Unimplemented, method)
		}
		got = in
		return map[string]any{"transaction_ref": "0.0.123@1"}, nil
	})

	ref, err := c.SubmitTransfer(context.Background(), Transfer{
		From:    alice,
		To:      escrow,
		Spender: agent,
		Amount:  units(620),
		Memo:    "trip:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0.123@1", ref)
	assert.Equal(t, "620", got.GetFields()["amount"].GetStringValue())
	assert.Equal(t, agent, got.GetFields()["spender"].GetStringValue())
}

func TestGrpcClientClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code codes.Code
		want error
	}{
		{codes.ResourceExhausted, domain.ErrInsufficientFunds},
		{codes.PermissionDenied, domain.ErrNotApproved},
		{codes.FailedPrecondition, domain.ErrLedgerRejected},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			c := startGateway(t, func(string, *structpb.Struct) (map[string]any, error) {
				return nil, status.Error(tt.code, "gateway says no")
			})
			_, err := c.SubmitTransfer(context.Background(), Transfer{From: alice, To: escrow, Amount: units(1)})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGrpcClientAmounts(t *testing.T) {
	t.Parallel()

	c := startGateway(t, func(method string, in *structpb.Struct) (map[string]any, error) {
		switch method {
		case methodBalance:
			return map[string]any{"amount": "1000"}, nil
		case methodAllowance:
			return map[string]any{"amount": "600"}, nil
		case methodEscrowBalance:
			return map[string]any{"amount": "620000000000000000000"}, nil
		}
		return nil, status.Error(codes.Unimplemented, method)
	})
	ctx := context.Background()

	bal, err := c.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal.Uint64())

	allowance, err := c.Allowance(ctx, alice, agent)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), allowance.Uint64())

	held, err := c.EscrowBalance(ctx, escrow, alice)
	require.NoError(t, err)
	assert.Equal(t, "620000000000000000000", FormatUnits(held))
}

func TestGrpcClientMissingTransactionRef(t *testing.T) {
	t.Parallel()

	c := startGateway(t, func(string, *structpb.Struct) (map[string]any, error) {
		return map[string]any{}, nil
	})
	_, err := c.SubmitTransfer(context.Background(), Transfer{From: alice, To: escrow, Amount: units(1)})
	assert.ErrorIs(t, err, domain.ErrLedgerRejected)
}
