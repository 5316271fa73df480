package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ashureev/tripstake/internal/client"
	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/pool"
	"github.com/jedib0t/go-pretty/v6/table"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderPool(w io.Writer, v pool.View) {
	fmt.Fprintf(w, "Pool %s: %s (%d/%d joined)\n", v.PoolID, v.Status, v.ParticipantCount, v.Quorum)
	if v.FailureReason != "" {
		fmt.Fprintf(w, "Failure: %s\n", v.FailureReason)
	}
	if !v.IsParticipant {
		return
	}
	if len(v.Participants) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Wallet", "Name", "Budget", "Destination", "Staked"})
		for _, p := range v.Participants {
			tw.AppendRow(table.Row{p.ID, p.DisplayName, p.DeclaredBudget.StringFixed(2), p.Destination, p.HasStaked})
		}
		tw.Render()
	}
	renderResult(w, v.NegotiationResult)
	if len(v.ExecutionRecords) > 0 {
		renderRecords(w, v.ExecutionRecords)
	}
	renderOutcome(w, v.Outcome)
}

func renderOutcome(w io.Writer, o *domain.TripOutcome) {
	if o == nil {
		return
	}
	if o.Success {
		fmt.Fprintf(w, "Trip completed %s; stakes are withdrawable.\n", o.ClosedAt.Format("2006-01-02 15:04:05"))
		return
	}
	fmt.Fprintf(w, "Trip failed %s; stakes slashed:\n", o.ClosedAt.Format("2006-01-02 15:04:05"))
	renderRecords(w, o.Slashes)
}

func renderResult(w io.Writer, r *domain.NegotiationResult) {
	if r == nil {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"Average budget", r.AverageBudget.StringFixed(2)},
		{"Stake per person", r.StakeAmountPerPerson.StringFixed(2)},
		{"Stake %", r.StakePercentage.StringFixed(2)},
		{"Stake in token units", r.StakeAmountInToken},
		{"Total pool", r.TotalPool.StringFixed(2)},
		{"Estimated rewards", r.EstimatedRewards.StringFixed(2)},
		{"Rounds", r.RoundsUsed},
	})
	tw.Render()
}

func renderRecords(w io.Writer, records []domain.ExecutionRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Participant", "Status", "Amount", "Attempt", "Tx", "Error"})
	for _, rec := range records {
		tw.AppendRow(table.Row{rec.ParticipantID, rec.Status, rec.Amount, rec.Attempt, rec.TransactionRef, errorText(rec)})
	}
	tw.Render()
}

func errorText(rec domain.ExecutionRecord) string {
	switch {
	case rec.ErrorKind == "":
		return rec.ErrorDetail
	case rec.ErrorDetail == "":
		return string(rec.ErrorKind)
	default:
		return string(rec.ErrorKind) + ": " + rec.ErrorDetail
	}
}

func renderMessages(w io.Writer, msgs []domain.Message) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Time", "From", "To", "Type", "Summary"})
	for _, m := range msgs {
		tw.AppendRow(table.Row{m.Timestamp.Format("15:04:05.000"), m.From, m.To, m.Type(), summarize(m.Payload)})
	}
	tw.Render()
}

// summarize renders the amount-bearing fields of a payload on one line.
func summarize(p domain.Payload) string {
	switch p := p.(type) {
	case domain.StakeRequest:
		return fmt.Sprintf("propose %s (%s%% of %s)", p.ProposedAmount.StringFixed(2), p.StakePercentage.StringFixed(2), p.AgreedBudget.StringFixed(2))
	case domain.CounterOffer:
		return fmt.Sprintf("round %d: %s -> %s", p.Round, p.OriginalAmount.StringFixed(2), p.ProposedAmount.StringFixed(2))
	case domain.NegotiationDecision:
		return fmt.Sprintf("%s at %s", p.Decision, p.FinalAmount.StringFixed(2))
	case domain.Approval:
		return fmt.Sprintf("approve %s", p.ApprovedAmount.StringFixed(2))
	case domain.Rejection:
		return "reject: " + p.Reason
	case domain.Confirmation:
		return fmt.Sprintf("confirmed %s", p.NegotiatedAmount.StringFixed(2))
	}
	return ""
}

func renderWithdrawals(w io.Writer, list []domain.Withdrawal) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"When", "Amount", "Tx"})
	for _, wd := range list {
		tw.AppendRow(table.Row{wd.CreatedAt.Format("2006-01-02 15:04:05"), wd.Amount, wd.TransactionRef})
	}
	tw.Render()
}

func renderHealth(w io.Writer, h client.Health) {
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Dependency", "State"})
	for _, name := range names {
		tw.AppendRow(table.Row{name, h.Checks[name]})
	}
	tw.SetCaption("status: %s", h.Status)
	tw.Render()
}
