// Package config reads the worker configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/incognitochain/pegin-workers/commitscript"
	"github.com/incognitochain/pegin-workers/scheduler"
	"github.com/incognitochain/pegin-workers/tracker"
	"github.com/incognitochain/pegin-workers/utils"
	"github.com/joho/godotenv"
	"github.com/ory/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	BackendBitcoind    = "bitcoind"
	BackendBlockCypher = "blockcypher"
	BackendSim         = "sim"
)

// Worker ids, used in WORKERS to choose what runs.
const (
	WorkerChainWatcher        = 1
	WorkerAnnouncementIntake  = 2
	WorkerClaimScheduler      = 3
	WorkerBroadcastingManager = 4
	WorkerAlerter             = 5
)

type Config struct {
	Network string
	Params  *chaincfg.Params

	Backend          string
	NodeHost         string
	NodePort         string
	NodeUser         string
	NodePass         string
	BlockCypherToken string

	DBPath           string
	StartBlockHeight int32
	WatchMempool     bool

	PegPubKey        *btcec.PublicKey
	InternalKey      *btcec.PublicKey
	PegAddress       string
	MinConfirmations int64
	LocalSignerKey   *btcec.PrivateKey

	SignerURL     string
	SignerTimeout time.Duration
	RelayURL      string
	RelayTimeout  time.Duration
	FeeAPIURL     string

	Tracker   tracker.Config
	Scheduler scheduler.Policy

	Workers   []int
	Intervals map[int]time.Duration

	AlertWebhookURL string
	InfoWebhookURL  string
	LogLevel        logrus.Level
	LogJSON         bool

	// Replay rebuilds tracker state from its event log at startup.
	Replay bool
}

// Load reads path into the environment when it exists, then parses the
// environment.
func Load(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	p := newParser()
	cfg := &Config{
		Network:          p.str("BTC_NETWORK", "mainnet"),
		Backend:          p.str("BTC_BACKEND", BackendBitcoind),
		NodeHost:         p.str("BTC_NODE_HOST", "127.0.0.1"),
		NodePort:         p.str("BTC_NODE_PORT", "8332"),
		NodeUser:         p.str("BTC_NODE_USERNAME", ""),
		NodePass:         p.str("BTC_NODE_PASSWORD", ""),
		BlockCypherToken: p.str("BLOCKCYPHER_TOKEN", ""),

		DBPath:           p.str("DB_PATH", "db"),
		StartBlockHeight: int32(p.int("START_BLOCK_HEIGHT", 0)),
		WatchMempool:     p.bool("WATCH_MEMPOOL", true),

		PegAddress:       p.str("PEG_ADDRESS", ""),
		MinConfirmations: p.int("MIN_CONFIRMATIONS", 1),

		SignerURL:     p.str("SIGNER_URL", ""),
		SignerTimeout: p.duration("SIGNER_TIMEOUT", 30*time.Second),
		RelayURL:      p.str("RELAY_URL", ""),
		RelayTimeout:  p.duration("RELAY_TIMEOUT", 10*time.Second),
		FeeAPIURL:     p.str("FEE_API_URL", ""),

		Tracker: tracker.Config{
			ClaimConfirmations: int32(p.int("CLAIM_CONFIRMATIONS", tracker.DefaultClaimConfirmations)),
			ReorgSafetyDepth:   int32(p.int("REORG_SAFETY_DEPTH", tracker.DefaultReorgSafetyDepth)),
		},
		Scheduler: scheduler.Policy{
			ClaimMargin:       int32(p.int("CLAIM_MARGIN", scheduler.DefaultClaimMargin)),
			StallBlocks:       int32(p.int("STALL_BLOCKS", scheduler.DefaultStallBlocks)),
			MaxIntentsPerTick: int(p.int("MAX_INTENTS_PER_TICK", scheduler.DefaultMaxIntentsPerTick)),
			DefaultFeeRate:    uint64(p.int("DEFAULT_FEE_RATE", scheduler.DefaultFeeRate)),
			MaxFeeRate:        uint64(p.int("MAX_FEE_RATE", scheduler.DefaultMaxFeeRate)),
			Destination:       p.str("PEG_ADDRESS", ""),
			NumSigners:        p.uint32("NUM_SIGNERS", 1),
			SignerID:          p.uint32("SIGNER_ID", 0),
			CoordinatorGrace:  int32(p.int("COORDINATOR_GRACE", scheduler.DefaultCoordinatorGrace)),
		},

		Workers: p.ints("WORKERS", []int{
			WorkerChainWatcher, WorkerAnnouncementIntake, WorkerClaimScheduler,
			WorkerBroadcastingManager, WorkerAlerter,
		}),
		Intervals: map[int]time.Duration{
			WorkerChainWatcher:        p.duration("WATCHER_INTERVAL", 30*time.Second),
			WorkerAnnouncementIntake:  p.duration("INTAKE_INTERVAL", time.Minute),
			WorkerClaimScheduler:      p.duration("SCHEDULER_INTERVAL", time.Minute),
			WorkerBroadcastingManager: p.duration("BROADCAST_INTERVAL", time.Minute),
			WorkerAlerter:             p.duration("ALERTER_INTERVAL", 10*time.Minute),
		},

		AlertWebhookURL: p.str("ALERT_WEBHOOK_URL", ""),
		InfoWebhookURL:  p.str("INFO_WEBHOOK_URL", ""),
		LogJSON:         p.str("LOG_FORMAT", "text") == "json",

		Replay: p.bool("TRACKER_REPLAY", false),
	}

	level, err := logrus.ParseLevel(p.str("LOG_LEVEL", "info"))
	if err != nil {
		p.fail("LOG_LEVEL", err)
	}
	cfg.LogLevel = level

	cfg.Params = utils.GetNetworkParams(cfg.Network)
	if cfg.Params == nil {
		p.fail("BTC_NETWORK", fmt.Errorf("unknown network %q", cfg.Network))
	}

	if raw := p.str("PEG_PUBKEY", ""); raw != "" {
		key, err := parseXOnly(raw)
		if err != nil {
			p.fail("PEG_PUBKEY", err)
		}
		cfg.PegPubKey = key
	}
	cfg.InternalKey, err = commitscript.ParseInternalKey(p.str("INTERNAL_KEY", ""))
	if err != nil {
		p.fail("INTERNAL_KEY", err)
	}
	if raw := p.str("LOCAL_SIGNER_KEY", ""); raw != "" {
		keyBytes, err := utils.HexToBytes(raw)
		if err != nil || len(keyBytes) != btcec.PrivKeyBytesLen {
			p.fail("LOCAL_SIGNER_KEY", fmt.Errorf("want %d hex bytes", btcec.PrivKeyBytesLen))
		} else {
			cfg.LocalSignerKey, _ = btcec.PrivKeyFromBytes(keyBytes)
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field rules that parsing alone cannot.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.Backend {
	case BackendBitcoind, BackendSim:
	case BackendBlockCypher:
		if c.BlockCypherToken == "" {
			return invalid("BLOCKCYPHER_TOKEN is required for the blockcypher backend")
		}
	default:
		return invalid("unknown BTC_BACKEND %q", c.Backend)
	}

	if c.PegPubKey == nil && c.LocalSignerKey != nil {
		c.PegPubKey = c.LocalSignerKey.PubKey()
	}
	if c.PegPubKey == nil {
		return invalid("PEG_PUBKEY is required")
	}
	if c.LocalSignerKey != nil && !sameXOnly(c.LocalSignerKey.PubKey(), c.PegPubKey) {
		return invalid("LOCAL_SIGNER_KEY does not match PEG_PUBKEY")
	}
	if c.SignerURL == "" && c.LocalSignerKey == nil {
		return invalid("one of SIGNER_URL or LOCAL_SIGNER_KEY is required")
	}

	if c.PegAddress == "" {
		return invalid("PEG_ADDRESS is required")
	}
	if _, err := btcutil.DecodeAddress(c.PegAddress, c.Params); err != nil {
		return invalid("PEG_ADDRESS %q on %s: %v", c.PegAddress, c.Params.Name, err)
	}

	if c.Scheduler.NumSigners == 0 {
		return invalid("NUM_SIGNERS must be positive")
	}
	if c.Scheduler.SignerID >= c.Scheduler.NumSigners {
		return invalid("SIGNER_ID %d out of range [0, %d)", c.Scheduler.SignerID, c.Scheduler.NumSigners)
	}
	if c.Scheduler.DefaultFeeRate > c.Scheduler.MaxFeeRate {
		return invalid("DEFAULT_FEE_RATE %d above MAX_FEE_RATE %d", c.Scheduler.DefaultFeeRate, c.Scheduler.MaxFeeRate)
	}
	if c.Scheduler.ClaimMargin <= 0 {
		return invalid("CLAIM_MARGIN must be positive")
	}
	if c.Tracker.ReorgSafetyDepth < c.Tracker.ClaimConfirmations {
		return invalid("REORG_SAFETY_DEPTH %d below CLAIM_CONFIRMATIONS %d",
			c.Tracker.ReorgSafetyDepth, c.Tracker.ClaimConfirmations)
	}
	if c.StartBlockHeight < 0 {
		return invalid("START_BLOCK_HEIGHT must not be negative")
	}

	for _, id := range c.Workers {
		if _, ok := c.Intervals[id]; !ok {
			return invalid("unknown worker id %d", id)
		}
		if id == WorkerAnnouncementIntake && c.RelayURL == "" {
			return invalid("RELAY_URL is required by the announcement intake")
		}
	}
	return nil
}

// RunsWorker reports whether id is enabled.
func (c *Config) RunsWorker(id int) bool {
	for _, w := range c.Workers {
		if w == id {
			return true
		}
	}
	return false
}

// NewLogger builds the root logger from the configured level and format.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	if c.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func parseXOnly(raw string) (*btcec.PublicKey, error) {
	keyBytes, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) == btcec.PubKeyBytesLenCompressed {
		return btcec.ParsePubKey(keyBytes)
	}
	return schnorr.ParsePubKey(keyBytes)
}

func sameXOnly(a, b *btcec.PublicKey) bool {
	return bytes.Equal(schnorr.SerializePubKey(a), schnorr.SerializePubKey(b))
}

// parser reads typed values through viper and keeps the first parse error
// so FromEnv reads top to bottom. Defaults are registered on the viper
// instance; AutomaticEnv makes every key resolve from the environment.
type parser struct {
	v   *viper.Viper
	err error
}

func newParser() *parser {
	v := viper.New()
	v.AutomaticEnv()
	return &parser{v: v}
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
}

// get returns the environment value, trimmed, or the registered default.
func (p *parser) get(key string, def interface{}) interface{} {
	p.v.SetDefault(key, def)
	raw := p.v.Get(key)
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		return s
	}
	return raw
}

func (p *parser) str(key, def string) string {
	return cast.ToString(p.get(key, def))
}

func (p *parser) int(key string, def int64) int64 {
	n, err := cast.ToInt64E(p.get(key, def))
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

// uint32 rejects values that would wrap on conversion.
func (p *parser) uint32(key string, def uint32) uint32 {
	n := p.int(key, int64(def))
	if n < 0 || n > math.MaxUint32 {
		p.fail(key, fmt.Errorf("%d out of range [0, %d]", n, uint64(math.MaxUint32)))
		return def
	}
	return uint32(n)
}

func (p *parser) bool(key string, def bool) bool {
	b, err := cast.ToBoolE(p.get(key, def))
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or plain seconds ("90").
func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.get(key, def)
	if s, ok := raw.(string); ok {
		if secs, err := strconv.Atoi(s); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) ints(key string, def []int) []int {
	raw := p.get(key, def)
	s, ok := raw.(string)
	if !ok {
		return def
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := cast.ToIntE(strings.TrimSpace(part))
		if err != nil {
			p.fail(key, err)
			return def
		}
		out = append(out, n)
	}
	return out
}
