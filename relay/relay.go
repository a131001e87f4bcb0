/*
Package relay requests the hash of a source-chain block through a read channel, commits the
answer to the local oracle and fans it out to peer relays on other chains.

A read request pre-commits the fan-out: its destinations and per-destination fees are stored
under the request's GUID and the fees travel with the read as forwarded value. When the
response arrives, the relay votes on the block, then spends exactly the stored fees on one
message per destination and returns whatever it could not spend to the refund address.
Peer relays receiving such a message only commit it.
*/
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gitzhang10/blockrelay/access"
	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/ledger"
	"github.com/gitzhang10/blockrelay/lzcodec"
	"github.com/gitzhang10/blockrelay/storage"
	"github.com/gitzhang10/blockrelay/transport"
)

const (
	// DefaultGasLimit is the receive gas of a fan-out message when nothing else is configured.
	DefaultGasLimit uint64 = 100_000
	// MinReadChannel is the lowest endpoint id reserved for read channels.
	MinReadChannel uint32 = 4294965694
	// ReadConfirmations is the number of source-chain confirmations a read waits for.
	ReadConfirmations uint16 = 15

	readRequestLabel uint16 = 1
)

const (
	peerTable     storage.Table = "relay/peer"     // eid -> bytes32 peer
	gasTable      storage.Table = "relay/gas"      // eid -> gas limit
	targetTable   storage.Table = "relay/target"   // eid -> broadcast target address
	pendingTable  storage.Table = "relay/pending"  // guid -> pendingRecord
	receivedTable storage.Table = "relay/received" // number -> hash
	metaTable     storage.Table = "relay/meta"
)

var stateKey = []byte("state")

// Channel classifies an inbound message by the path it arrived on.
type Channel int

const (
	// ChannelPeer carries a block broadcast by a peer relay.
	ChannelPeer Channel = iota
	// ChannelRead carries the response to this relay's own read request.
	ChannelRead
)

func (c Channel) String() string {
	switch c {
	case ChannelRead:
		return "read"
	case ChannelPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// BlockOracle is the part of the oracle the relay commits to.
type BlockOracle interface {
	Vote(committer common.Address, number uint64, hash common.Hash, tryConfirm bool) (bool, error)
	BlockHash(number uint64) common.Hash
	LastConfirmedBlock() (uint64, common.Hash, bool)
}

// BroadcastTarget is one fan-out destination and the fee reserved for it.
type BroadcastTarget struct {
	EID uint32
	Fee *uint256.Int
}

// PendingBroadcast is the fan-out pre-committed by a read request.
type PendingBroadcast struct {
	Targets []BroadcastTarget
	Gas     uint64
}

// Total returns the sum of the reserved fees.
func (p PendingBroadcast) Total() *uint256.Int {
	fees := make([]*uint256.Int, len(p.Targets))
	for i, t := range p.Targets {
		fees[i] = t.Fee
	}
	sum, _ := ledger.Sum(fees)
	return sum
}

type pendingRecord struct {
	EIDs []uint32
	Fees [][]byte
	Gas  uint64
}

func (p PendingBroadcast) record() pendingRecord {
	rec := pendingRecord{Gas: p.Gas}
	for _, t := range p.Targets {
		rec.EIDs = append(rec.EIDs, t.EID)
		rec.Fees = append(rec.Fees, t.Fee.Bytes())
	}
	return rec
}

func (r pendingRecord) broadcast() PendingBroadcast {
	p := PendingBroadcast{Gas: r.Gas}
	for i, eid := range r.EIDs {
		p.Targets = append(p.Targets, BroadcastTarget{EID: eid, Fee: new(uint256.Int).SetBytes(r.Fees[i])})
	}
	return p
}

// ReadConfig is the read-channel configuration of a relay.
type ReadConfig struct {
	Enabled   bool
	Channel   uint32
	SourceEID uint32
	View      common.Address
}

// state is everything the relay keeps outside its per-key tables.
type state struct {
	ReadEnabled bool
	ReadChannel uint32
	SourceEID   uint32
	View        []byte
	GasLimit    uint64
	Refund      []byte
	TargetEIDs  []uint32
}

func (s state) clone() state {
	c := s
	c.View = append([]byte(nil), s.View...)
	c.Refund = append([]byte(nil), s.Refund...)
	c.TargetEIDs = append([]uint32(nil), s.TargetEIDs...)
	return c
}

// Config holds the collaborators of a Relay.
type Config struct {
	// Address is the relay's own identity: its balance, its peer address and its committer key.
	Address  common.Address
	Owner    common.Address
	Endpoint transport.Endpoint
	Ledger   *ledger.Ledger
	Oracle   BlockOracle
	// OriginVerifier replaces the default peer check on inbound messages.
	OriginVerifier transport.OriginVerifier
	Logger         hclog.Logger
	Registerer     prometheus.Registerer
	Namespace      string
	// Now supplies the timestamp anchor of read requests.
	Now func() time.Time
}

// Relay is a block-hash relay bound to one chain's endpoint.
type Relay struct {
	*access.Ownable

	lock     sync.Mutex
	address  common.Address
	endpoint transport.Endpoint
	ledger   *ledger.Ledger
	oracle   BlockOracle
	verifier transport.OriginVerifier
	store    *storage.Store
	logger   hclog.Logger
	metrics  *metrics
	now      func() time.Time

	st      state
	peers   map[uint32]common.Hash
	gas     map[uint32]uint64
	targets map[uint32]common.Address
}

// New loads (or initializes) a relay from store.
func New(store *storage.Store, cfg Config) (*Relay, error) {
	if cfg.Endpoint == nil || cfg.Ledger == nil {
		return nil, errors.Wrap(errs.ErrInvalidArgument, "relay needs an endpoint and a ledger")
	}
	if cfg.Address == (common.Address{}) {
		return nil, errors.Wrap(errs.ErrInvalidArgument, "zero relay address")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "blockrelay_relay"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m, err := newMetrics(cfg.Namespace, cfg.Registerer)
	if err != nil {
		return nil, errors.Wrap(err, "register relay metrics")
	}
	r := &Relay{
		Ownable:  access.NewOwnable(cfg.Owner),
		address:  cfg.Address,
		endpoint: cfg.Endpoint,
		ledger:   cfg.Ledger,
		oracle:   cfg.Oracle,
		verifier: cfg.OriginVerifier,
		store:    store,
		logger:   cfg.Logger,
		metrics:  m,
		now:      cfg.Now,
		peers:    make(map[uint32]common.Hash),
		gas:      make(map[uint32]uint64),
		targets:  make(map[uint32]common.Address),
	}
	if r.verifier == nil {
		r.verifier = &peerVerifier{r: r}
	}

	found, err := store.GetObject(metaTable, stateKey, &r.st)
	if err != nil {
		return nil, err
	}
	if !found {
		r.st.GasLimit = DefaultGasLimit
		r.st.Refund = cfg.Owner.Bytes()
	}
	err = store.Iterate(peerTable, func(k, v []byte) error {
		r.peers[uint32(storage.KeyUint64(k))] = common.BytesToHash(v)
		return nil
	})
	if err == nil {
		err = store.Iterate(gasTable, func(k, v []byte) error {
			r.gas[uint32(storage.KeyUint64(k))] = storage.KeyUint64(v)
			return nil
		})
	}
	if err == nil {
		err = store.Iterate(targetTable, func(k, v []byte) error {
			r.targets[uint32(storage.KeyUint64(k))] = common.BytesToAddress(v)
			return nil
		})
	}
	if err != nil {
		return nil, errors.WithMessage(err, "load relay tables")
	}
	return r, nil
}

// peerVerifier accepts messages delivered by the relay's endpoint from the configured peer of
// the source chain. It runs with the relay lock held.
type peerVerifier struct {
	r *Relay
}

func (v *peerVerifier) VerifyOrigin(caller common.Address, origin transport.Origin) error {
	if caller != v.r.endpoint.Address() {
		return errors.Wrapf(errs.ErrUnauthorized, "only endpoint: caller %s", caller.Hex())
	}
	peer, ok := v.r.peers[origin.SrcEID]
	if !ok || peer != origin.Sender {
		return errors.Wrapf(errs.ErrUnauthorized, "sender %s is not the peer of eid %d", origin.Sender.Hex(), origin.SrcEID)
	}
	return nil
}

// Address returns the relay's own address.
func (r *Relay) Address() common.Address {
	return r.address
}

// Balance returns the native balance held by the relay.
func (r *Relay) Balance() *uint256.Int {
	return r.ledger.Balance(r.address)
}

func (r *Relay) channel(origin transport.Origin) Channel {
	if r.st.ReadEnabled && origin.SrcEID == r.st.ReadChannel {
		return ChannelRead
	}
	return ChannelPeer
}

func (r *Relay) gasFor(eid uint32, gas uint64) uint64 {
	if gas > 0 {
		return gas
	}
	if g, ok := r.gas[eid]; ok && g > 0 {
		return g
	}
	return r.st.GasLimit
}

func (r *Relay) refundAddress() common.Address {
	return common.BytesToAddress(r.st.Refund)
}

func (r *Relay) requireOracle() error {
	if r.oracle == nil {
		return errors.Wrap(errs.ErrNotConfigured, "oracle not configured")
	}
	return nil
}

func (r *Relay) requireRead() error {
	if !r.st.ReadEnabled {
		return errors.Wrap(errs.ErrNotConfigured, "read not enabled - call SetReadConfig")
	}
	return nil
}

// LzReceive implements transport.Receiver. Messages from the read channel are responses to
// this relay's read requests; everything else is a peer broadcast. A returned error means
// nothing was spent and the attached value went back to the endpoint.
func (r *Relay) LzReceive(_ context.Context, call ledger.Call, origin transport.Origin, guid common.Hash,
	message []byte, _ common.Address, _ []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if err := r.verifier.VerifyOrigin(call.From, origin); err != nil {
		return err
	}
	number, hash, err := lzcodec.DecodeBlockMessage(message)
	if err != nil {
		return err
	}
	if err := r.requireOracle(); err != nil {
		return err
	}
	value := call.Amount()
	if err := r.ledger.Transfer(call.From, r.address, value); err != nil {
		return err
	}

	ch := r.channel(origin)
	switch ch {
	case ChannelRead:
		err = r.receiveRead(guid, number, hash, value)
	case ChannelPeer:
		err = r.commit(number, hash)
	}
	if err != nil {
		if rerr := r.ledger.Transfer(r.address, call.From, value); rerr != nil {
			r.logger.Error("failed to return value of rejected message", "guid", guid.Hex(), "error", rerr)
		}
		return err
	}
	r.metrics.responses.WithLabelValues(ch.String()).Inc()
	r.logger.Debug("block message accepted", "channel", ch, "src", origin.SrcEID, "number", number, "hash", hash.Hex())
	return nil
}

// commit votes for (number, hash) unless the oracle already holds it.
func (r *Relay) commit(number uint64, hash common.Hash) error {
	confirmed := r.oracle.BlockHash(number)
	if confirmed == hash {
		return nil
	}
	if confirmed != (common.Hash{}) {
		return errors.Wrapf(errs.ErrAlreadyFinal, "block %d confirmed as %s", number, confirmed.Hex())
	}
	if _, err := r.oracle.Vote(r.address, number, hash, true); err != nil {
		return errors.WithMessagef(err, "commit block %d", number)
	}
	return nil
}

func (r *Relay) receiveRead(guid common.Hash, number uint64, hash common.Hash, value *uint256.Int) error {
	if hash == (common.Hash{}) {
		r.metrics.inconclusive.Inc()
		r.logger.Warn("inconclusive read response", "guid", guid.Hex(), "number", number)
		return nil
	}
	if confirmed := r.oracle.BlockHash(number); confirmed != (common.Hash{}) && confirmed != hash {
		r.logger.Warn("read response conflicts with confirmed block", "guid", guid.Hex(), "number", number,
			"confirmed", confirmed.Hex(), "received", hash.Hex())
		return nil
	}
	if err := r.commit(number, hash); err != nil {
		return err
	}

	batch := r.store.NewBatch()
	batch.Put(receivedTable, storage.Uint64Key(number), hash.Bytes())
	var rec pendingRecord
	found, err := r.store.GetObject(pendingTable, guid.Bytes(), &rec)
	if err != nil {
		return err
	}
	if !found {
		return batch.Commit()
	}
	pending := rec.broadcast()
	sum := pending.Total()
	if value.Lt(sum) {
		if err := batch.Commit(); err != nil {
			return err
		}
		return errors.Wrapf(errs.ErrInsufficientFunds, "broadcast needs %s, response carried %s", sum.ToBig(), value.ToBig())
	}
	batch.Delete(pendingTable, guid.Bytes())
	if err := batch.Commit(); err != nil {
		return err
	}

	refund := r.refundAddress()
	receipts, spent, legErr := r.broadcast(number, hash, pending.Targets, pending.Gas, refund)
	if legErr != nil {
		r.logger.Warn("fan-out incomplete", "guid", guid.Hex(), "number", number, "error", legErr)
	}
	r.returnUnspent(sum, spent, refund)
	r.logger.Info("block hash broadcast", "number", number, "hash", hash.Hex(), "legs", len(receipts))
	return nil
}

// broadcast sends one message per target with a fee and a configured peer. It returns the
// receipts of the legs sent and the fees they consumed.
func (r *Relay) broadcast(number uint64, hash common.Hash, targets []BroadcastTarget, gas uint64,
	refund common.Address) ([]transport.MessagingReceipt, *uint256.Int, error) {
	message, err := lzcodec.EncodeBlockMessage(number, hash)
	if err != nil {
		return nil, new(uint256.Int), err
	}
	spent := new(uint256.Int)
	var receipts []transport.MessagingReceipt
	var result *multierror.Error
	for _, t := range targets {
		if t.Fee == nil || t.Fee.IsZero() {
			continue
		}
		peer, ok := r.peers[t.EID]
		if !ok {
			r.logger.Debug("skipping target without peer", "eid", t.EID)
			continue
		}
		options, err := lzcodec.NewOptions().AddReceive(r.gasFor(t.EID, gas), nil).Bytes()
		if err == nil {
			var receipt transport.MessagingReceipt
			params := transport.MessagingParams{DstEID: t.EID, Receiver: peer, Message: message, Options: options}
			receipt, err = r.endpoint.Send(ledger.Call{From: r.address, Value: new(uint256.Int).Set(t.Fee)}, params, refund)
			if err == nil {
				receipts = append(receipts, receipt)
				spent.Add(spent, t.Fee)
				r.metrics.legs.WithLabelValues("sent").Inc()
				continue
			}
		}
		r.metrics.legs.WithLabelValues("failed").Inc()
		result = multierror.Append(result, errors.WithMessagef(err, "broadcast to eid %d", t.EID))
	}
	return receipts, spent, result.ErrorOrNil()
}

func (r *Relay) returnUnspent(reserved, spent *uint256.Int, refund common.Address) {
	if !spent.Lt(reserved) {
		return
	}
	unspent := new(uint256.Int).Sub(reserved, spent)
	if err := r.ledger.Transfer(r.address, refund, unspent); err != nil {
		r.logger.Error("failed to refund unspent broadcast fees", "amount", unspent.ToBig(), "error", err)
	}
}

func targetsOf(dsts []uint32, fees []*uint256.Int) ([]BroadcastTarget, *uint256.Int, error) {
	if len(dsts) != len(fees) {
		return nil, nil, errors.Wrapf(errs.ErrInvalidArgument, "length mismatch: %d destinations, %d fees", len(dsts), len(fees))
	}
	sum, ok := ledger.Sum(fees)
	if !ok {
		return nil, nil, errors.Wrap(errs.ErrInvalidArgument, "fee sum overflows")
	}
	targets := make([]BroadcastTarget, len(dsts))
	for i := range dsts {
		fee := new(uint256.Int)
		if fees[i] != nil {
			fee.Set(fees[i])
		}
		targets[i] = BroadcastTarget{EID: dsts[i], Fee: fee}
	}
	return targets, sum, nil
}

// readParams builds the read message for blockNumber, 0 meaning the view's default block.
func (r *Relay) readParams(readGas uint64, value *uint256.Int, blockNumber uint64) (transport.MessagingParams, error) {
	callData, err := lzcodec.EncodeGetBlockHashCall(blockNumber, true)
	if err != nil {
		return transport.MessagingParams{}, err
	}
	cmd, err := lzcodec.EncodeReadCommand(lzcodec.ReadRequest{
		RequestLabel:  readRequestLabel,
		TargetEID:     r.st.SourceEID,
		Anchor:        uint64(r.now().Unix()),
		Confirmations: ReadConfirmations,
		Target:        common.BytesToAddress(r.st.View),
		CallData:      callData,
	})
	if err != nil {
		return transport.MessagingParams{}, err
	}
	options, err := lzcodec.NewOptions().AddRead(readGas, lzcodec.BlockMessageSize, value).Bytes()
	if err != nil {
		return transport.MessagingParams{}, err
	}
	return transport.MessagingParams{
		DstEID:   r.st.ReadChannel,
		Receiver: transport.AddressToBytes32(r.address),
		Message:  cmd,
		Options:  options,
	}, nil
}

// RequestBlockHash sends a read request for blockNumber through the read channel. The fees of
// the later fan-out to dsts travel with the read and are reserved under the returned GUID.
// The whole attached value is handed to the endpoint; what the read does not cost goes back
// to the caller.
func (r *Relay) RequestBlockHash(call ledger.Call, dsts []uint32, fees []*uint256.Int, readGas, fanoutGas,
	blockNumber uint64) (transport.MessagingReceipt, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	targets, sum, err := targetsOf(dsts, fees)
	if err != nil {
		return transport.MessagingReceipt{}, err
	}
	if err := r.requireRead(); err != nil {
		return transport.MessagingReceipt{}, err
	}
	params, err := r.readParams(readGas, sum, blockNumber)
	if err != nil {
		return transport.MessagingReceipt{}, err
	}
	value := call.Amount()
	if err := r.ledger.Transfer(call.From, r.address, value); err != nil {
		return transport.MessagingReceipt{}, err
	}
	receipt, err := r.endpoint.Send(ledger.Call{From: r.address, Value: new(uint256.Int).Set(value)}, params, call.From)
	if err != nil {
		if rerr := r.ledger.Transfer(r.address, call.From, value); rerr != nil {
			r.logger.Error("failed to return value of failed read request", "error", rerr)
		}
		return transport.MessagingReceipt{}, errors.WithMessage(err, "send read request")
	}
	if len(targets) > 0 {
		batch := r.store.NewBatch()
		batch.PutObject(pendingTable, receipt.GUID.Bytes(), PendingBroadcast{Targets: targets, Gas: fanoutGas}.record())
		if err := batch.Commit(); err != nil {
			return receipt, err
		}
	}
	r.metrics.requests.Inc()
	r.logger.Info("block hash requested", "guid", receipt.GUID.Hex(), "number", blockNumber,
		"targets", len(targets), "fee", receipt.Fee.NativeFee.ToBig())
	return receipt, nil
}

// BroadcastLatestBlock sends the oracle's latest confirmed block to dsts. Only a block this
// relay received through its own read path may be re-broadcast. Fees not spent go back to the
// caller; value above the sum of fees stays with the relay.
func (r *Relay) BroadcastLatestBlock(call ledger.Call, dsts []uint32, fees []*uint256.Int) ([]transport.MessagingReceipt, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if !r.st.ReadEnabled {
		return nil, errors.Wrap(errs.ErrNotConfigured, "can only broadcast from read-enabled chains")
	}
	targets, sum, err := targetsOf(dsts, fees)
	if err != nil {
		return nil, err
	}
	if err := r.requireOracle(); err != nil {
		return nil, err
	}
	number, hash, ok := r.oracle.LastConfirmedBlock()
	if !ok {
		return nil, errors.Wrap(errs.ErrNotConfirmed, "no confirmed blocks")
	}
	received, _, err := r.store.Get(receivedTable, storage.Uint64Key(number))
	if err != nil {
		return nil, err
	}
	if common.BytesToHash(received) != hash {
		return nil, errors.Wrapf(errs.ErrUnauthorized, "block %d was not received by this relay", number)
	}
	value := call.Amount()
	if value.Lt(sum) {
		return nil, errors.Wrapf(errs.ErrInsufficientFunds, "fees %s, attached %s", sum.ToBig(), value.ToBig())
	}
	if err := r.ledger.Transfer(call.From, r.address, value); err != nil {
		return nil, err
	}
	receipts, spent, legErr := r.broadcast(number, hash, targets, 0, call.From)
	if legErr != nil {
		r.logger.Warn("re-broadcast incomplete", "number", number, "error", legErr)
	}
	r.returnUnspent(sum, spent, call.From)
	r.logger.Info("latest block re-broadcast", "number", number, "hash", hash.Hex(), "legs", len(receipts))
	return receipts, nil
}

// QuoteBroadcastFees quotes one fan-out message per destination. Destinations without a peer
// cost zero. A zero gas uses each destination's configured limit.
func (r *Relay) QuoteBroadcastFees(dsts []uint32, gas uint64) ([]*uint256.Int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	message, err := lzcodec.EncodeBlockMessage(0, common.Hash{})
	if err != nil {
		return nil, err
	}
	fees := make([]*uint256.Int, len(dsts))
	for i, eid := range dsts {
		peer, ok := r.peers[eid]
		if !ok {
			fees[i] = new(uint256.Int)
			continue
		}
		options, err := lzcodec.NewOptions().AddReceive(r.gasFor(eid, gas), nil).Bytes()
		if err != nil {
			return nil, err
		}
		fee, err := r.endpoint.Quote(transport.MessagingParams{DstEID: eid, Receiver: peer, Message: message, Options: options}, r.address)
		if err != nil {
			return nil, errors.WithMessagef(err, "quote eid %d", eid)
		}
		fees[i] = fee.NativeFee
	}
	return fees, nil
}

// QuoteReadFee quotes a read request whose response forwards value.
func (r *Relay) QuoteReadFee(readGas uint64, value *uint256.Int, blockNumber uint64) (*uint256.Int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.requireRead(); err != nil {
		return nil, err
	}
	params, err := r.readParams(readGas, value, blockNumber)
	if err != nil {
		return nil, err
	}
	fee, err := r.endpoint.Quote(params, r.address)
	if err != nil {
		return nil, err
	}
	return fee.NativeFee, nil
}

// PendingBroadcast returns the fan-out reserved under guid.
func (r *Relay) PendingBroadcast(guid common.Hash) (PendingBroadcast, bool) {
	var rec pendingRecord
	found, err := r.store.GetObject(pendingTable, guid.Bytes(), &rec)
	if err != nil || !found {
		return PendingBroadcast{}, false
	}
	return rec.broadcast(), true
}

// ReceivedBlock returns the hash this relay read for number, or zero.
func (r *Relay) ReceivedBlock(number uint64) common.Hash {
	v, _, err := r.store.Get(receivedTable, storage.Uint64Key(number))
	if err != nil {
		return common.Hash{}
	}
	return common.BytesToHash(v)
}
