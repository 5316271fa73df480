package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/tripstake/internal/channel"
	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/oracle"
	"github.com/shopspring/decimal"
)

// Runtime is what both agents share: an identity, a publisher onto the
// negotiation channel and an oracle to consult.
type Runtime struct {
	profile domain.AgentProfile
	pub     *channel.Publisher
	oracle  oracle.Oracle
	logger  *slog.Logger
}

// NewRuntime binds an agent profile to its collaborators.
func NewRuntime(profile domain.AgentProfile, pub *channel.Publisher, o oracle.Oracle, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		profile: profile,
		pub:     pub,
		oracle:  o,
		logger:  logger.With("agent", profile.ID, "role", profile.Role),
	}
}

// Profile returns the agent's profile.
func (r *Runtime) Profile() domain.AgentProfile {
	return r.profile
}

// Send publishes payload from this agent to the agent with id to.
func (r *Runtime) Send(ctx context.Context, conv *Conversation, to string, payload domain.Payload) error {
	msg := domain.NewMessage(r.profile.ID, to, payload)
	if _, err := r.pub.Publish(ctx, conv.ChannelID, msg); err != nil {
		return fmt.Errorf("%s send %s: %w", r.profile.ID, payload.Type(), err)
	}
	r.logger.Debug("Message sent",
		"request_id", conv.RequestID,
		"message_id", msg.ID,
		"type", payload.Type(),
		"to", to)
	return nil
}

// Consult asks the oracle and parses its reply. Transport failures and
// ambiguous replies both resolve to a negotiate decision at fallback.
func (r *Runtime) Consult(ctx context.Context, req oracle.Request, fallback decimal.Decimal) oracle.Decision {
	text, err := r.oracle.Recommend(ctx, req)
	if err != nil {
		r.logger.Warn("Oracle unavailable, using fallback",
			"request_id", req.RequestID,
			"kind", req.Kind,
			"fallback", fallback.String(),
			"error", err)
		return oracle.Decision{
			Action:    oracle.Negotiate,
			Amount:    fallback,
			HasAmount: true,
			Reason:    fmt.Sprintf("oracle unavailable, falling back to %s", fallback.StringFixed(2)),
		}
	}

	d, err := oracle.Parse(text)
	if err != nil {
		r.logger.Warn("Oracle reply ambiguous, using fallback",
			"request_id", req.RequestID,
			"kind", req.Kind,
			"error_kind", domain.KindOracleParseAmbiguous,
			"fallback", fallback.String(),
			"error", err)
		return oracle.Decision{
			Action:    oracle.Negotiate,
			Amount:    fallback,
			HasAmount: true,
			Reason:    fmt.Sprintf("unclear recommendation, falling back to %s", fallback.StringFixed(2)),
		}
	}
	return d
}
