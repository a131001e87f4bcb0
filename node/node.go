/*
Package node runs one relay daemon: the chain's oracle, its relay and its network endpoint,
connected to the other daemons of the cluster over the conn transport.

Each daemon serves one chain. The read-enabled daemon periodically requests a block hash from
its source chain and fans the answer out to the other daemons. Every daemon whose oracle
confirms a block signs a threshold partial over it and broadcasts the partial; a quorum of
partials for the same block is recovered into a certificate.
*/
package node

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/blockrelay/config"
	"github.com/gitzhang10/blockrelay/conn"
	"github.com/gitzhang10/blockrelay/ledger"
	"github.com/gitzhang10/blockrelay/oracle"
	"github.com/gitzhang10/blockrelay/relay"
	"github.com/gitzhang10/blockrelay/sign"
	"github.com/gitzhang10/blockrelay/source"
	"github.com/gitzhang10/blockrelay/storage"
	"github.com/gitzhang10/blockrelay/transport"
)

const certificateTable storage.Table = "node/certificate" // number -> certificateRecord

// operatorFloat is the native balance the operator starts with on the daemon's ledger.
var operatorFloat = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(24))

type attestKey struct {
	number uint64
	hash   common.Hash
}

type Node struct {
	name   string
	eid    uint32
	lock   sync.Mutex
	logger hclog.Logger

	nodeNum   int
	quorumNum int
	maxPool   int

	clusterAddr map[string]string
	clusterPort map[string]int
	readGas     uint64
	interval    time.Duration
	metricsAddr string

	//Used for ED25519 signature
	publicKeyMap map[string]ed25519.PublicKey
	privateKey   ed25519.PrivateKey

	//Used for threshold signature
	tsPublicKey  *share.PubPoly
	tsPrivateKey *share.PriShare

	store    *storage.Store
	ledger   *ledger.Ledger
	operator common.Address
	view     *source.ChainView // nil unless the source chain is simulated
	oracle   *oracle.Oracle
	relay    *relay.Relay
	endpoint *transport.NetEndpoint
	trans    *conn.NetworkTransport

	registry *prometheus.Registry
	metrics  *metrics
	server   *http.Server

	deliverLock sync.Mutex
	partials    map[attestKey]map[string][]byte // map from block to sender to partial signature
	certified   map[uint64]common.Hash
}

// frameSender forwards the endpoint's frames to the transport opened by StartP2PListen.
type frameSender struct {
	n *Node
}

func (s frameSender) Send(target string, tag uint8, msg interface{}, sig []byte) error {
	s.n.lock.Lock()
	trans := s.n.trans
	s.n.lock.Unlock()
	if trans == nil {
		return errors.New("networkTransport has not been created")
	}
	return trans.Send(target, tag, msg, sig)
}

// OperatorAddress is the account a daemon administers its relay and oracle with when the
// configuration names no owner.
func OperatorAddress(pub ed25519.PublicKey) common.Address {
	return common.BytesToAddress(crypto.Keccak256(pub))
}

func feeSchedule(f config.Fees) transport.FeeSchedule {
	return transport.FeeSchedule{
		Base:      uint256.NewInt(f.Base),
		GasPrice:  uint256.NewInt(f.GasPrice),
		BytePrice: uint256.NewInt(f.BytePrice),
	}
}

// NewNode builds the daemon described by conf. The oracle and relay state is loaded from
// conf.DataDir, or kept in memory when it is empty.
func NewNode(conf *config.Config) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid config")
	}
	n := &Node{
		name: conf.Name,
		eid:  conf.EID,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "blockrelay-node",
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(conf.LogLevel),
		}),
		nodeNum:      len(conf.ClusterAddr),
		quorumNum:    conf.Quorum,
		maxPool:      conf.MaxPool,
		clusterAddr:  conf.ClusterAddr,
		clusterPort:  conf.ClusterPort,
		readGas:      conf.ReadGas,
		interval:     conf.RequestInterval,
		metricsAddr:  conf.MetricsAddr,
		publicKeyMap: conf.PublicKeyMap,
		privateKey:   conf.PrivateKey,
		tsPublicKey:  conf.TsPublicKey,
		tsPrivateKey: conf.TsPrivateKey,
		ledger:       ledger.New(),
		registry:     prometheus.NewRegistry(),
		partials:     make(map[attestKey]map[string][]byte),
		certified:    make(map[uint64]common.Hash),
	}
	n.operator = conf.Owner
	if n.operator == (common.Address{}) {
		n.operator = OperatorAddress(conf.PublicKeyMap[conf.Name])
	}

	var err error
	if conf.DataDir == "" {
		n.store, err = storage.OpenMemory()
	} else {
		n.store, err = storage.Open(conf.DataDir)
	}
	if err != nil {
		return nil, err
	}
	if err := n.build(conf); err != nil {
		_ = n.store.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(conf *config.Config) error {
	var err error
	if n.metrics, err = newMetrics(n.registry); err != nil {
		return err
	}
	if err := n.loadCertificates(); err != nil {
		return err
	}
	n.oracle, err = oracle.New(n.store, oracle.Config{
		Owner:      n.operator,
		Logger:     n.logger.Named("oracle"),
		Registerer: n.registry,
		OnConfirm:  n.onConfirm,
	})
	if err != nil {
		return err
	}

	fees := feeSchedule(conf.Fees)
	remotes := make(map[uint32]transport.Remote, n.nodeNum-1)
	var peerEIDs []uint32
	var peerAddrs []common.Address
	for _, name := range conf.Names() {
		if name == n.name {
			continue
		}
		eid := conf.ClusterEID[name]
		remotes[eid] = transport.Remote{Addr: conf.AddrWithPort(name), PublicKey: conf.PublicKeyMap[name], Fees: fees}
		peerEIDs = append(peerEIDs, eid)
		peerAddrs = append(peerAddrs, RelayAddress(eid))
	}
	reads := make(map[uint32]transport.ReadChannel)
	if conf.ReadEnabled {
		caller, err := n.sourceCaller(conf)
		if err != nil {
			return err
		}
		reads[conf.ReadChannel] = transport.ReadChannel{Caller: caller, Fees: fees}
	}
	n.endpoint = transport.NewNetEndpoint(transport.NetEndpointConfig{
		EID:          n.eid,
		Ledger:       n.ledger,
		Sender:       frameSender{n: n},
		PacketTag:    PacketTag,
		PrivateKey:   n.privateKey,
		Remotes:      remotes,
		ReadChannels: reads,
		Store:        n.store,
		Logger:       n.logger.Named("net"),
	})

	self := RelayAddress(n.eid)
	n.relay, err = relay.New(n.store, relay.Config{
		Address:    self,
		Owner:      n.operator,
		Endpoint:   n.endpoint,
		Ledger:     n.ledger,
		Oracle:     n.oracle,
		Logger:     n.logger.Named("relay"),
		Registerer: n.registry,
		Now:        time.Now,
	})
	if err != nil {
		return err
	}
	n.endpoint.Register(self, n.relay)

	if !n.oracle.IsCommitter(self) {
		if err := n.oracle.AddCommitter(n.operator, self, false); err != nil {
			return err
		}
	}
	if err := n.relay.SetPeers(n.operator, peerEIDs, peerAddrs); err != nil {
		return err
	}
	if err := n.relay.SetGasLimit(n.operator, conf.GasLimit); err != nil {
		return err
	}
	if conf.ReadEnabled {
		if err := n.relay.SetReadConfig(n.operator, true, conf.ReadChannel, conf.SourceEID, conf.ViewAddress); err != nil {
			return err
		}
		if err := n.relay.AddBroadcastTargets(n.operator, peerEIDs, peerAddrs, true); err != nil {
			return err
		}
	}
	n.ledger.Mint(n.operator, operatorFloat)
	return nil
}

func (n *Node) sourceCaller(conf *config.Config) (source.Caller, error) {
	if conf.SourceRPC != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return source.DialEthCaller(ctx, conf.SourceRPC)
	}
	view, err := source.NewChainView(conf.ViewAddress, 256)
	if err != nil {
		return nil, err
	}
	view.Grow(conf.SimulatedHead)
	n.view = view
	return view, nil
}

// Relay returns the daemon's relay.
func (n *Node) Relay() *relay.Relay {
	return n.relay
}

// Oracle returns the daemon's oracle.
func (n *Node) Oracle() *oracle.Oracle {
	return n.oracle
}

// Registry returns the registry holding the daemon's metrics.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// RequestOnce asks the source chain for its latest settled block hash and pre-commits the
// fan-out to every broadcast target, paid by the operator.
func (n *Node) RequestOnce(ctx context.Context) (transport.MessagingReceipt, error) {
	if !n.relay.ReadConfig().Enabled {
		return transport.MessagingReceipt{}, errors.New("read is not enabled on this node")
	}
	if n.view != nil {
		n.view.Grow(1)
	}
	dsts := n.relay.AllBroadcastEIDs()
	fees, err := n.relay.QuoteBroadcastFees(dsts, 0)
	if err != nil {
		return transport.MessagingReceipt{}, err
	}
	total, _ := ledger.Sum(fees)
	readFee, err := n.relay.QuoteReadFee(n.readGas, total, 0)
	if err != nil {
		return transport.MessagingReceipt{}, err
	}
	receipt, err := n.relay.RequestBlockHash(ledger.NewCall(n.operator).WithValue(readFee), dsts, fees, n.readGas, 0, 0)
	if err != nil {
		return transport.MessagingReceipt{}, err
	}
	n.logger.Debug("block hash requested", "guid", receipt.GUID.Hex(), "targets", dsts, "fee", readFee.ToBig())
	return receipt, n.deliver(ctx)
}

// RequestLoop calls RequestOnce every configured interval until ctx is done.
func (n *Node) RequestLoop(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.RequestOnce(ctx); err != nil {
				n.logger.Warn("block hash request failed", "error", err)
			}
		}
	}
}

func (n *Node) deliver(ctx context.Context) error {
	n.deliverLock.Lock()
	defer n.deliverLock.Unlock()
	return n.endpoint.DeliverAll(ctx)
}

// Certificate returns the threshold certificate recovered for number.
func (n *Node) Certificate(number uint64) (Certificate, bool, error) {
	var rec certificateRecord
	ok, err := n.store.GetObject(certificateTable, storage.Uint64Key(number), &rec)
	if err != nil || !ok {
		return Certificate{}, false, err
	}
	return Certificate{Number: number, Hash: common.BytesToHash(rec.Hash), Signature: rec.Signature}, true, nil
}

// VerifyCertificate checks c against the cluster's threshold public key.
func (n *Node) VerifyCertificate(c Certificate) error {
	return sign.VerifyTS(n.tsPublicKey, blockDigest(c.Number, c.Hash), c.Signature)
}

func (n *Node) loadCertificates() error {
	return n.store.Iterate(certificateTable, func(k, v []byte) error {
		var rec certificateRecord
		if err := storage.Decode(v, &rec); err != nil {
			return err
		}
		n.certified[storage.KeyUint64(k)] = common.BytesToHash(rec.Hash)
		return nil
	})
}

// Close stops the transport and the metrics server and closes the store.
func (n *Node) Close() error {
	n.lock.Lock()
	trans, server := n.trans, n.server
	n.lock.Unlock()
	if server != nil {
		_ = server.Close()
	}
	if trans != nil {
		_ = trans.Close()
	}
	return n.store.Close()
}
