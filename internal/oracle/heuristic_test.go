package oracle

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestHeuristicValidator(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(decimal.NewFromInt(100))
	base := Request{
		Kind:         KindValidate,
		Destination:  "Goa",
		Participants: 3,
		MinAmount:    decimal.NewFromInt(1),
	}

	tests := []struct {
		name       string
		amount     string
		wantAction Action
		wantAmount string
	}{
		{"comfortable", "31", Approve, "31"},
		{"above comfort", "200", Negotiate, "150"},
		{"below minimum", "0.5", Reject, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			req.ProposedAmount = decimal.RequireFromString(tt.amount)

			text, err := h.Recommend(context.Background(), req)
			if err != nil {
				t.Fatalf("Recommend failed: %v", err)
			}
			d, err := Parse(text)
			if err != nil {
				t.Fatalf("heuristic output %q did not parse: %v", text, err)
			}
			if d.Action != tt.wantAction {
				t.Fatalf("action = %s, want %s (%q)", d.Action, tt.wantAction, text)
			}
			if tt.wantAmount != "" && !d.Amount.Equal(decimal.RequireFromString(tt.wantAmount)) {
				t.Fatalf("amount = %s, want %s", d.Amount, tt.wantAmount)
			}
		})
	}
}

func TestHeuristicCoordinator(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(decimal.Zero)
	req := Request{Kind: KindCounter, OriginalAmount: decimal.NewFromInt(31)}

	req.ProposedAmount = decimal.NewFromInt(27)
	text, err := h.Recommend(context.Background(), req)
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if d, _ := Parse(text); d.Action != Approve {
		t.Fatalf("expected accept within tolerance, got %q", text)
	}

	req.ProposedAmount = decimal.NewFromInt(23)
	text, err = h.Recommend(context.Background(), req)
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	d, err := Parse(text)
	if err != nil || d.Action != Negotiate || !d.Amount.Equal(decimal.NewFromInt(27)) {
		t.Fatalf("expected counter at midpoint 27, got %q (%+v, %v)", text, d, err)
	}
}

func TestHeuristicHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHeuristic(decimal.Zero).Recommend(ctx, Request{}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestPromptMentionsBounds(t *testing.T) {
	t.Parallel()

	p := Request{
		Kind:           KindReview,
		Destination:    "Goa",
		ProposedAmount: decimal.NewFromInt(27),
		MinAmount:      decimal.NewFromInt(1),
		MaxAmount:      decimal.NewFromInt(77),
		Round:          1,
		MaxRounds:      2,
	}.Prompt()
	for _, want := range []string{"Goa", "27.00", "1.00 to 77.00", "round 1/2", "APPROVE | AMOUNT | REASON"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}
