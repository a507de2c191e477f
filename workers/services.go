package workers

import (
	"fmt"
	"time"

	"github.com/incognitochain/pegin-workers/broadcast"
	"github.com/incognitochain/pegin-workers/btcnode"
	"github.com/incognitochain/pegin-workers/config"
	"github.com/incognitochain/pegin-workers/signer"
	"github.com/incognitochain/pegin-workers/tracker"
	"github.com/incognitochain/pegin-workers/utils"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
)

// Services are the components shared by all workers. Workers talk to each
// other only through the tracker.
type Services struct {
	Config      *config.Config
	Logger      *logrus.Logger
	DB          *leveldb.DB
	Node        btcnode.Node
	Tracker     *tracker.Tracker
	Claimer     *signer.Claimer
	Broadcaster *broadcast.Broadcaster
	Notifier    *utils.SlackNotifier
}

// NewServices opens the database and connects the configured backends.
func NewServices(cfg *config.Config, logger *logrus.Logger) (*Services, error) {
	db, err := leveldb.OpenFile(cfg.DBPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", cfg.DBPath, err)
	}
	node, err := NewNode(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	s, err := NewServicesWith(cfg, logger, db, node)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewServicesWith wires the components around an open database and node.
func NewServicesWith(cfg *config.Config, logger *logrus.Logger, db *leveldb.DB, node btcnode.Node) (*Services, error) {
	notifier := utils.NewSlackNotifier(cfg.AlertWebhookURL, cfg.InfoWebhookURL)

	t, err := tracker.New(db, cfg.Tracker, logger.WithField("component", "tracker"), notifier.Alert)
	if err != nil {
		return nil, err
	}

	var sgn signer.Signer
	if cfg.LocalSignerKey != nil {
		sgn = signer.NewLocalSigner(cfg.LocalSignerKey)
	} else {
		sgn = signer.NewHTTPSigner(cfg.SignerURL, cfg.SignerTimeout)
	}

	return &Services{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Node:     node,
		Tracker:  t,
		Notifier: notifier,
		Claimer: &signer.Claimer{
			Signer:      sgn,
			Params:      cfg.Params,
			InternalKey: cfg.InternalKey,
		},
		Broadcaster: broadcast.NewBroadcaster(node, t, broadcast.Config{},
			logger.WithField("component", "broadcaster")),
	}, nil
}

// NewNode connects the backend named in cfg.
func NewNode(cfg *config.Config) (btcnode.Node, error) {
	switch cfg.Backend {
	case config.BackendBitcoind:
		client, err := utils.BuildBTCClient(cfg.NodeHost, cfg.NodePort, cfg.NodeUser, cfg.NodePass)
		if err != nil {
			return nil, fmt.Errorf("could not initialize Bitcoin RPCClient: %w", err)
		}
		return btcnode.NewBitcoindNode(client), nil
	case config.BackendBlockCypher:
		return btcnode.NewBlockCypherNode(cfg.BlockCypherToken, utils.BlockCypherChain(cfg.Params)), nil
	case config.BackendSim:
		return btcnode.NewSimNode(cfg.StartBlockHeight), nil
	default:
		return nil, fmt.Errorf("%w: backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

func (s *Services) Close() error {
	return s.DB.Close()
}

// NewWorkers initializes the workers enabled in the config, in id order.
func NewWorkers(s *Services) ([]Worker, error) {
	type entry struct {
		id     int
		name   string
		worker interface {
			Worker
			Init(id int, name string, freq time.Duration, network string, services *Services) error
		}
	}
	all := []entry{
		{config.WorkerChainWatcher, "Chain Watcher", &ChainWatcher{}},
		{config.WorkerAnnouncementIntake, "Announcement Intake", &AnnouncementIntake{}},
		{config.WorkerClaimScheduler, "Claim Scheduler", &ClaimScheduler{}},
		{config.WorkerBroadcastingManager, "BTC Broadcasting Manager", &BTCBroadcastingManager{}},
		{config.WorkerAlerter, "Relaying Alerter", &RelayingAlerter{}},
	}

	var list []Worker
	for _, e := range all {
		if !s.Config.RunsWorker(e.id) {
			continue
		}
		if err := e.worker.Init(e.id, e.name, s.Config.Intervals[e.id], s.Config.Network, s); err != nil {
			return nil, fmt.Errorf("can't init %s: %w", e.name, err)
		}
		list = append(list, e.worker)
	}
	return list, nil
}
