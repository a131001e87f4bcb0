/*
Package config describes the configuration of a relay daemon and loads it from a yaml file
with package viper. Every key can be overridden by an environment variable named after it.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/blockrelay/sign"
)

// Fees is the fee schedule a daemon charges for messages it sends.
type Fees struct {
	Base      uint64
	GasPrice  uint64
	BytePrice uint64
}

// Config defines a type to describe the configuration of one daemon.
type Config struct {
	Name    string
	EID     uint32
	DataDir string
	MaxPool int

	ClusterAddr  map[string]string // map from name to ip
	ClusterPort  map[string]int    // map from name to p2p port
	ClusterEID   map[string]uint32 // map from name to chain eid
	PublicKeyMap map[string]ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare
	// Quorum is the number of partial signatures a confirmation certificate needs.
	Quorum int

	LogLevel    int
	MetricsAddr string

	Owner common.Address
	Fees  Fees

	ReadEnabled bool
	ReadChannel uint32
	SourceEID   uint32
	ViewAddress common.Address
	// SourceRPC is the JSON-RPC url of the source chain. Empty selects a simulated chain.
	SourceRPC     string
	SimulatedHead int

	GasLimit        uint64
	ReadGas         uint64
	RequestInterval time.Duration
}

// New creates a Config for tests.
func New(name string, eid uint32, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	clusterEID map[string]uint32, publicKeyMap map[string]ed25519.PublicKey, privateKey ed25519.PrivateKey,
	tsPublicKey *share.PubPoly, tsPrivateKey *share.PriShare, quorum int, logLevel int) *Config {
	return &Config{
		Name:            name,
		EID:             eid,
		MaxPool:         maxPool,
		ClusterAddr:     clusterAddr,
		ClusterPort:     clusterPort,
		ClusterEID:      clusterEID,
		PublicKeyMap:    publicKeyMap,
		PrivateKey:      privateKey,
		TsPublicKey:     tsPublicKey,
		TsPrivateKey:    tsPrivateKey,
		Quorum:          quorum,
		LogLevel:        logLevel,
		Fees:            Fees{Base: 10_000_000_000, GasPrice: 1_000_000, BytePrice: 100_000_000},
		GasLimit:        100_000,
		ReadGas:         100_000,
		RequestInterval: time.Minute,
		SimulatedHead:   1_000,
	}
}

// AddrWithPort returns the p2p address of the named node.
func (c *Config) AddrWithPort(name string) string {
	return c.ClusterAddr[name] + ":" + strconv.Itoa(c.ClusterPort[name])
}

// Names returns the cluster member names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.ClusterAddr))
	for name := range c.ClusterAddr {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Name == "" {
		result = multierror.Append(result, errors.New("name is empty"))
	}
	if _, ok := c.ClusterAddr[c.Name]; !ok {
		result = multierror.Append(result, errors.Errorf("node %q is not in the cluster", c.Name))
	}
	if c.EID == 0 {
		result = multierror.Append(result, errors.New("eid is zero"))
	}
	seen := make(map[uint32]string, len(c.ClusterEID))
	for _, name := range c.Names() {
		eid, ok := c.ClusterEID[name]
		if !ok {
			result = multierror.Append(result, errors.Errorf("node %q has no eid", name))
			continue
		}
		if other, dup := seen[eid]; dup {
			result = multierror.Append(result, errors.Errorf("nodes %q and %q share eid %d", other, name, eid))
		}
		seen[eid] = name
		if _, ok := c.ClusterPort[name]; !ok {
			result = multierror.Append(result, errors.Errorf("node %q has no p2p port", name))
		}
		if len(c.PublicKeyMap[name]) != ed25519.PublicKeySize {
			result = multierror.Append(result, errors.Errorf("node %q has no valid public key", name))
		}
	}
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		result = multierror.Append(result, errors.New("private key is missing or malformed"))
	}
	if c.TsPublicKey == nil || c.TsPrivateKey == nil {
		result = multierror.Append(result, errors.New("threshold keys are missing"))
	}
	if c.Quorum <= 0 || c.Quorum > len(c.ClusterAddr) {
		result = multierror.Append(result, errors.Errorf("quorum %d outside [1, %d]", c.Quorum, len(c.ClusterAddr)))
	}
	if c.ReadEnabled {
		if c.ReadChannel < 4294965694 {
			result = multierror.Append(result, errors.Errorf("read channel %d is not a read channel", c.ReadChannel))
		}
		if c.SourceEID == 0 || c.ViewAddress == (common.Address{}) {
			result = multierror.Append(result, errors.New("read needs a source eid and a view address"))
		}
	}
	return result.ErrorOrNil()
}

// LoadConfig loads the configuration file configName from the working directory.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	return LoadConfigFrom("./", configPrefix, configName)
}

// LoadConfigFrom loads the configuration file configName from dir.
func LoadConfigFrom(dir, configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath(dir)

	viperConfig.SetDefault("max_pool", 4)
	viperConfig.SetDefault("data_dir", "./data")
	viperConfig.SetDefault("fees.base", 10_000_000_000)
	viperConfig.SetDefault("fees.gas_price", 1_000_000)
	viperConfig.SetDefault("fees.byte_price", 100_000_000)
	viperConfig.SetDefault("gas_limit", 100_000)
	viperConfig.SetDefault("read.gas", 100_000)
	viperConfig.SetDefault("read.interval", "1m")
	viperConfig.SetDefault("source.simulated_head", 1_000)

	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	privKeyED, err := hex.DecodeString(viperConfig.GetString("privkeyed"))
	if err != nil {
		return nil, errors.Wrap(err, "decode privkeyed")
	}
	tsPubKeyAsBytes, err := hex.DecodeString(viperConfig.GetString("tspubkey"))
	if err != nil {
		return nil, errors.Wrap(err, "decode tspubkey")
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, err
	}
	tsShareAsBytes, err := hex.DecodeString(viperConfig.GetString("tsshare"))
	if err != nil {
		return nil, errors.Wrap(err, "decode tsshare")
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:         viperConfig.GetString("name"),
		EID:          viperConfig.GetUint32("eid"),
		DataDir:      viperConfig.GetString("data_dir"),
		MaxPool:      viperConfig.GetInt("max_pool"),
		PrivateKey:   privKeyED,
		TsPublicKey:  tsPubKey,
		TsPrivateKey: tsShareKey,
		Quorum:       viperConfig.GetInt("quorum"),
		LogLevel:     viperConfig.GetInt("log_level"),
		MetricsAddr:  viperConfig.GetString("metrics_addr"),
		Owner:        common.HexToAddress(viperConfig.GetString("owner")),
		Fees: Fees{
			Base:      viperConfig.GetUint64("fees.base"),
			GasPrice:  viperConfig.GetUint64("fees.gas_price"),
			BytePrice: viperConfig.GetUint64("fees.byte_price"),
		},
		ReadEnabled:     viperConfig.GetBool("read.enabled"),
		ReadChannel:     viperConfig.GetUint32("read.channel"),
		SourceEID:       viperConfig.GetUint32("read.source_eid"),
		ViewAddress:     common.HexToAddress(viperConfig.GetString("read.view")),
		ReadGas:         viperConfig.GetUint64("read.gas"),
		RequestInterval: viperConfig.GetDuration("read.interval"),
		SourceRPC:       viperConfig.GetString("source.rpc"),
		SimulatedHead:   viperConfig.GetInt("source.simulated_head"),
		GasLimit:        viperConfig.GetUint64("gas_limit"),
	}

	peersIPs := viperConfig.GetStringMapString("cluster_ips")
	peersPorts := viperConfig.GetStringMap("peers_p2p_port")
	peersEIDs := viperConfig.GetStringMap("cluster_eids")
	pubKeys := viperConfig.GetStringMapString("cluster_pubkeyed")
	conf.ClusterAddr = make(map[string]string, len(pubKeys))
	conf.ClusterPort = make(map[string]int, len(pubKeys))
	conf.ClusterEID = make(map[string]uint32, len(pubKeys))
	conf.PublicKeyMap = make(map[string]ed25519.PublicKey, len(pubKeys))
	for name, pkAsString := range pubKeys {
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, errors.Wrapf(err, "decode public key of %s", name)
		}
		conf.PublicKeyMap[name] = pubKey
		conf.ClusterAddr[name] = peersIPs[name]
		port, err := strconv.Atoi(toString(peersPorts[name]))
		if err != nil {
			return nil, errors.Wrapf(err, "p2p port of %s", name)
		}
		conf.ClusterPort[name] = port
		eid, err := strconv.ParseUint(toString(peersEIDs[name]), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "eid of %s", name)
		}
		conf.ClusterEID[name] = uint32(eid)
	}
	return conf, nil
}

// toString renders the scalar values yaml maps decode to.
func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
