package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/incognitochain/pegin-workers/intake"
)

type AnnouncementIntake struct {
	WorkerAbs
	poller *intake.Poller
}

func (b *AnnouncementIntake) Init(id int, name string, freq time.Duration, network string, services *Services) error {
	b.WorkerAbs.Init(id, name, freq, network, services)

	cfg := services.Config
	in := intake.New(services.Node, services.Tracker, intake.Config{
		PegPubKey:        cfg.PegPubKey,
		InternalKey:      cfg.InternalKey,
		MinConfirmations: cfg.MinConfirmations,
	}, b.Logger)
	relay := intake.NewRelayClient(cfg.RelayURL, cfg.RelayTimeout)
	b.poller = intake.NewPoller(relay, in, services.DB, 0, b.Logger)
	return nil
}

func (b *AnnouncementIntake) Execute(ctx context.Context) {
	b.Logger.Debug("AnnouncementIntake worker is executing...")

	res, err := b.poller.Poll(ctx)
	if err != nil {
		b.ExportErrorLog(fmt.Sprintf("Could not process announcements - with err: %v", err))
		return
	}
	if res.Accepted+res.Rejected+res.Retrying > 0 {
		b.Logger.Infof("Announcements: %d accepted, %d rejected, %d waiting",
			res.Accepted, res.Rejected, res.Retrying)
	}
}
