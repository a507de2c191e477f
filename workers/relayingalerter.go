package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/incognitochain/pegin-workers/entities"
)

type RelayingAlerter struct {
	WorkerAbs
}

func (b *RelayingAlerter) Init(id int, name string, freq time.Duration, network string, services *Services) error {
	return b.WorkerAbs.Init(id, name, freq, network, services)
}

func (b *RelayingAlerter) Execute(ctx context.Context) {
	b.Logger.Debug("Relaying alerter worker is executing...")

	btcBestHash, btcBestHeight, err := b.Services.Node.GetBestBlock()
	if err != nil {
		b.ExportErrorLog(fmt.Sprintf("Could not connect to BTC node - with err: %v", err))
		return
	}

	tip := b.Services.Tracker.Tip()
	diffBlock := btcBestHeight - tip
	msg := fmt.Sprintf("BTC node at height %d (%v), tracker at height %d, %d blocks behind",
		btcBestHeight, btcBestHash, tip, diffBlock)
	if diffBlock >= BTCBlockDiffThreshold {
		b.ExportErrorLog(msg)
	} else {
		b.Logger.Info(msg)
	}

	if report := b.commitmentReport(tip); report != "" {
		b.ExportInfoLog(report)
	}
}

// commitmentReport summarizes tracked commitments by status and lists the
// ones that need attention.
func (b *RelayingAlerter) commitmentReport(tip int32) string {
	counts := make(map[entities.CommitmentStatus]int)
	var urgent, invalid []string
	for _, c := range b.Services.Tracker.Snapshot() {
		counts[c.Status]++
		switch {
		case c.Status == entities.StatusInvalid:
			invalid = append(invalid, c.Outpoint.String())
		case c.Status.Claimable() && c.Spend == nil && c.TimeoutHeight-tip <= DeadlineWarningBlocks:
			urgent = append(urgent, fmt.Sprintf("%v (%v, %d blocks left)", c.Outpoint, c.Status, c.TimeoutHeight-tip))
		}
	}
	if len(counts) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Commitments at height %d:", tip)
	for _, s := range []entities.CommitmentStatus{
		entities.StatusPending, entities.StatusClaimInFlight, entities.StatusClaimed,
		entities.StatusExpired, entities.StatusReclaimed, entities.StatusInvalid,
	} {
		if counts[s] > 0 {
			fmt.Fprintf(&sb, " %v=%d", s, counts[s])
		}
	}
	if len(urgent) > 0 {
		fmt.Fprintf(&sb, "\nNear timeout: %s", strings.Join(urgent, ", "))
	}
	if len(invalid) > 0 {
		fmt.Fprintf(&sb, "\nSpent by an unknown path: %s", strings.Join(invalid, ", "))
	}
	return sb.String()
}
