// Package config resolves a worker's settings from its environment, an
// optional YAML file and built-in defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Ian2x/cs426-ddp/logging"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables set by the launcher for every worker.
const (
	RankEnvKey       = "RANK"
	LocalRankEnvKey  = "LOCAL_RANK"
	WorldSizeEnvKey  = "WORLD_SIZE"
	MasterAddrEnvKey = "MASTER_ADDR"
	MasterPortEnvKey = "MASTER_PORT"
	PeerPortEnvKey   = "DDP_PEER_PORT"
	RunIDEnvKey      = "DDP_RUN_ID"

	DefaultMasterAddr = "localhost"
	DefaultMasterPort = 29500
)

// Env is a worker's identity within the process group.
type Env struct {
	Rank       int
	LocalRank  int
	WorldSize  int
	MasterAddr string
	MasterPort int
	PeerPort   int
	RunID      string
}

// ParseEnv reads the process group identity. RANK and WORLD_SIZE are
// required; everything else falls back to a single-host default.
func ParseEnv() (*Env, error) {
	return parseEnv(os.LookupEnv)
}

func parseEnv(lookup func(string) (string, bool)) (*Env, error) {
	rank, err := requiredInt(lookup, RankEnvKey)
	if err != nil {
		return nil, err
	}
	worldSize, err := requiredInt(lookup, WorldSizeEnvKey)
	if err != nil {
		return nil, err
	}
	if worldSize < 1 {
		return nil, errors.Errorf("%s must be positive, got %d", WorldSizeEnvKey, worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("%s=%d out of range for %s=%d", RankEnvKey, rank, WorldSizeEnvKey, worldSize)
	}
	localRank, err := optionalInt(lookup, LocalRankEnvKey, rank)
	if err != nil {
		return nil, err
	}
	masterPort, err := optionalInt(lookup, MasterPortEnvKey, DefaultMasterPort)
	if err != nil {
		return nil, err
	}
	peerPort, err := optionalInt(lookup, PeerPortEnvKey, 0)
	if err != nil {
		return nil, err
	}
	masterAddr, ok := lookup(MasterAddrEnvKey)
	if !ok || masterAddr == "" {
		masterAddr = DefaultMasterAddr
	}
	runID, _ := lookup(RunIDEnvKey)

	return &Env{
		Rank:       rank,
		LocalRank:  localRank,
		WorldSize:  worldSize,
		MasterAddr: masterAddr,
		MasterPort: masterPort,
		PeerPort:   peerPort,
		RunID:      runID,
	}, nil
}

// Pairs renders the environment the way the launcher exports it.
func (e Env) Pairs() []string {
	pairs := []string{
		RankEnvKey + "=" + strconv.Itoa(e.Rank),
		LocalRankEnvKey + "=" + strconv.Itoa(e.LocalRank),
		WorldSizeEnvKey + "=" + strconv.Itoa(e.WorldSize),
		MasterAddrEnvKey + "=" + e.MasterAddr,
		MasterPortEnvKey + "=" + strconv.Itoa(e.MasterPort),
	}
	if e.PeerPort != 0 {
		pairs = append(pairs, PeerPortEnvKey+"="+strconv.Itoa(e.PeerPort))
	}
	if e.RunID != "" {
		pairs = append(pairs, RunIDEnvKey+"="+e.RunID)
	}
	return pairs
}

func requiredInt(lookup func(string) (string, bool), key string) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return 0, errors.Errorf("environment variable %s is not set", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return n, nil
}

func optionalInt(lookup func(string) (string, bool), key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return n, nil
}

// Rendezvous selects how ranks find each other.
type Rendezvous struct {
	// Backend is static (rank 0 hosts the coordinator at
	// MASTER_ADDR:MASTER_PORT), external (a standalone coordinator is already
	// there) or etcd.
	Backend       string        `yaml:"backend"`
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	EtcdPrefix    string        `yaml:"etcd_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Train holds the training hyperparameters and runtime knobs.
type Train struct {
	Epochs      int     `yaml:"epochs"`
	BatchSize   int     `yaml:"batch_size"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	NumWorkers  int     `yaml:"num_workers"`
	LogInterval int     `yaml:"log_interval"`
	Seed        int64   `yaml:"seed"`
	Shuffle     bool    `yaml:"shuffle"`
	DropLast    bool    `yaml:"drop_last"`

	Dataset  string `yaml:"dataset"`
	DataDir  string `yaml:"data_dir"`
	Download bool   `yaml:"download"`
	// SyntheticSamples sizes the synthetic dataset.
	SyntheticSamples int    `yaml:"synthetic_samples"`
	Device           string `yaml:"device"`

	Backend           string        `yaml:"backend"`
	Strategy          string        `yaml:"strategy"`
	BucketCapMB       float64       `yaml:"bucket_cap_mb"`
	CollectiveTimeout time.Duration `yaml:"collective_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Rendezvous Rendezvous     `yaml:"rendezvous"`
	Log        logging.Config `yaml:"log"`
}

func Default() Train {
	return Train{
		Epochs:            5,
		BatchSize:         64,
		LR:                0.01,
		NumWorkers:        4,
		LogInterval:       100,
		Shuffle:           true,
		Dataset:           "mnist",
		DataDir:           "./data",
		Download:          true,
		SyntheticSamples:  2048,
		Device:            "auto",
		Backend:           "grpc",
		Strategy:          "RING",
		BucketCapMB:       25,
		CollectiveTimeout: 30 * time.Minute,
		HeartbeatInterval: time.Second,
		Rendezvous: Rendezvous{
			Backend:    "static",
			EtcdPrefix: "/ddp",
			Timeout:    5 * time.Minute,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load overlays the YAML file at path onto the defaults. An empty path
// returns the defaults.
func Load(path string) (Train, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Train) Validate() error {
	switch {
	case c.Epochs < 0:
		return errors.Errorf("epochs must not be negative, got %d", c.Epochs)
	case c.BatchSize < 1:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.LR <= 0:
		return errors.Errorf("lr must be positive, got %v", c.LR)
	case c.NumWorkers < 0:
		return errors.Errorf("num_workers must not be negative, got %d", c.NumWorkers)
	case c.LogInterval < 1:
		return errors.Errorf("log_interval must be positive, got %d", c.LogInterval)
	case c.BucketCapMB <= 0:
		return errors.Errorf("bucket_cap_mb must be positive, got %v", c.BucketCapMB)
	}
	switch c.Dataset {
	case "mnist":
	case "synthetic":
		if c.SyntheticSamples < 1 {
			return errors.Errorf("synthetic_samples must be positive, got %d", c.SyntheticSamples)
		}
	default:
		return errors.Errorf("unknown dataset %q", c.Dataset)
	}
	switch c.Rendezvous.Backend {
	case "static", "external":
	case "etcd":
		if len(c.Rendezvous.EtcdEndpoints) == 0 {
			return errors.New("etcd rendezvous needs at least one endpoint")
		}
	default:
		return errors.Errorf("unknown rendezvous backend %q", c.Rendezvous.Backend)
	}
	return nil
}
