package intake

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
)

// PollerStateKey holds the relay cursor and the announcements waiting for
// a retry.
const PollerStateKey = "meta-intake"

const DefaultMaxAttempts = 144

type pendingAnnouncement struct {
	Announcement *entities.Announcement
	Attempts     int
	LastError    string
}

type pollerState struct {
	Cursor  uint64
	Pending map[uint64]*pendingAnnouncement
}

// Poller pulls announcements from the relay, submits them and reports the
// outcome. Transiently failing announcements are kept and retried on later
// polls until MaxAttempts is reached.
type Poller struct {
	relay       Relay
	intake      *Intake
	db          *leveldb.DB
	maxAttempts int
	logger      *logrus.Entry
}

func NewPoller(relay Relay, intake *Intake, db *leveldb.DB, maxAttempts int, logger *logrus.Entry) *Poller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Poller{
		relay:       relay,
		intake:      intake,
		db:          db,
		maxAttempts: maxAttempts,
		logger:      logger.WithField("component", "relay-poller"),
	}
}

// PollResult counts the announcements handled by one poll.
type PollResult struct {
	Accepted int
	Retrying int
	Rejected int
}

func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	var result PollResult

	state, err := p.load()
	if err != nil {
		return result, err
	}

	fresh, err := p.relay.Announcements(ctx, state.Cursor)
	if err != nil {
		return result, fmt.Errorf("fetch announcements after %d: %w", state.Cursor, err)
	}
	for _, ann := range fresh {
		if _, ok := state.Pending[ann.ID]; !ok {
			state.Pending[ann.ID] = &pendingAnnouncement{Announcement: ann}
		}
		if ann.ID > state.Cursor {
			state.Cursor = ann.ID
		}
	}

	ids := make([]uint64, 0, len(state.Pending))
	for id := range state.Pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			break
		}
		pending := state.Pending[id]
		pending.Attempts++

		status := p.process(ctx, pending.Announcement)
		if status.Status == entities.AnnouncementRetry && pending.Attempts >= p.maxAttempts {
			status.Status = entities.AnnouncementRejected
			status.Error = fmt.Sprintf("gave up after %d attempts: %s", pending.Attempts, status.Error)
		}

		switch status.Status {
		case entities.AnnouncementAccepted:
			result.Accepted++
		case entities.AnnouncementRetry:
			result.Retrying++
			pending.LastError = status.Error
			if pending.Attempts > 1 {
				continue
			}
		case entities.AnnouncementRejected:
			result.Rejected++
			p.logger.Warnf("Rejected announcement %d (tx %s): %s", id, pending.Announcement.TxID, status.Error)
		}

		if err := p.relay.Acknowledge(ctx, status); err != nil {
			p.logger.Warnf("Could not acknowledge announcement %d: %v", id, err)
		}
		if status.Status != entities.AnnouncementRetry {
			delete(state.Pending, id)
		}
	}

	return result, p.save(state)
}

func (p *Poller) process(ctx context.Context, ann *entities.Announcement) entities.AnnouncementStatus {
	status := entities.AnnouncementStatus{ID: ann.ID}

	txID, err := chainhash.NewHashFromStr(ann.TxID)
	if err != nil {
		status.Status = entities.AnnouncementRejected
		status.Error = fmt.Sprintf("bad txid: %v", err)
		return status
	}
	script, err := hex.DecodeString(ann.Script)
	if err != nil {
		status.Status = entities.AnnouncementRejected
		status.Error = fmt.Sprintf("bad script hex: %v", err)
		return status
	}

	err = p.intake.Submit(ctx, *txID, script)
	switch {
	case err == nil:
		status.Status = entities.AnnouncementAccepted
	case IsTransient(err):
		status.Status = entities.AnnouncementRetry
		status.Error = err.Error()
	default:
		status.Status = entities.AnnouncementRejected
		status.Error = err.Error()
	}
	return status
}

func (p *Poller) load() (*pollerState, error) {
	state := &pollerState{Pending: make(map[uint64]*pendingAnnouncement)}
	raw, err := p.db.Get([]byte(PollerStateKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load intake state: %w", err)
	}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode intake state: %w", err)
	}
	if state.Pending == nil {
		state.Pending = make(map[uint64]*pendingAnnouncement)
	}
	return state, nil
}

func (p *Poller) save(state *pollerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode intake state: %w", err)
	}
	if err := p.db.Put([]byte(PollerStateKey), raw, nil); err != nil {
		return fmt.Errorf("save intake state: %w", err)
	}
	return nil
}
