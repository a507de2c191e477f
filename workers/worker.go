package workers

import (
	"context"
	"time"

	"github.com/incognitochain/pegin-workers/utils"
	"github.com/sirupsen/logrus"
)

type WorkerAbs struct {
	ID        int
	Name      string
	Frequency time.Duration
	Quit      chan bool
	Network   string // mainnet, testnet3, regtest, ...
	Logger    *logrus.Entry
	Notifier  *utils.SlackNotifier
	Services  *Services
}

type Worker interface {
	Execute(ctx context.Context)
	GetName() string
	GetFrequency() time.Duration
	GetQuitChan() chan bool
	GetNetwork() string
}

func (a *WorkerAbs) Init(id int, name string, freq time.Duration, network string, services *Services) error {
	a.ID = id
	a.Name = name
	a.Frequency = freq
	a.Quit = make(chan bool, 1)
	a.Network = network
	a.Services = services
	a.Notifier = services.Notifier
	if a.Notifier == nil {
		a.Notifier = utils.NewSlackNotifier("", "")
	}
	logger := services.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a.Logger = logger.WithField("worker", name)
	return nil
}

func (a *WorkerAbs) Execute(ctx context.Context) {
	a.Logger.Info("Abstract worker is executing...")
}

func (a *WorkerAbs) GetName() string {
	return a.Name
}

func (a *WorkerAbs) GetFrequency() time.Duration {
	return a.Frequency
}

func (a *WorkerAbs) GetQuitChan() chan bool {
	return a.Quit
}

func (a *WorkerAbs) GetNetwork() string {
	return a.Network
}

// ExportErrorLog logs msg and forwards it to the alert channel.
func (a *WorkerAbs) ExportErrorLog(msg string) {
	a.Logger.Error(msg)
	if err := a.Notifier.SendSlackNotification("[ERR] "+a.Name+": "+msg, utils.AlertNotification); err != nil {
		a.Logger.Warnf("Could not send alert: %v", err)
	}
}

// ExportInfoLog logs msg and forwards it to the info channel.
func (a *WorkerAbs) ExportInfoLog(msg string) {
	a.Logger.Info(msg)
	if err := a.Notifier.SendSlackNotification("[INF] "+a.Name+": "+msg, utils.InfoNotification); err != nil {
		a.Logger.Warnf("Could not send info: %v", err)
	}
}
