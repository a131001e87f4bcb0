package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/ledger"
	"github.com/gitzhang10/blockrelay/lzcodec"
	"github.com/gitzhang10/blockrelay/sign"
	"github.com/gitzhang10/blockrelay/source"
	"github.com/gitzhang10/blockrelay/storage"
)

const seenTable storage.Table = "net/seen" // guid -> empty

// NetTreasury collects the fees charged by a NetEndpoint.
var NetTreasury = common.BytesToAddress([]byte("blockrelay/net-treasury"))

// PacketMsg is the wire form of a packet sent between daemons.
type PacketMsg struct {
	SrcEID   uint32
	Sender   []byte
	Nonce    uint64
	DstEID   uint32
	Receiver []byte
	GUID     []byte
	Message  []byte
	Value    []byte
}

// Digest is the value signed by the sending daemon.
func (m *PacketMsg) Digest() []byte {
	buf := make([]byte, 0, 64+len(m.Message)+len(m.Sender)+len(m.Receiver)+len(m.GUID)+len(m.Value))
	buf = binary.BigEndian.AppendUint32(buf, m.SrcEID)
	buf = append(buf, m.Sender...)
	buf = binary.BigEndian.AppendUint64(buf, m.Nonce)
	buf = binary.BigEndian.AppendUint32(buf, m.DstEID)
	buf = append(buf, m.Receiver...)
	buf = append(buf, m.GUID...)
	buf = append(buf, m.Value...)
	buf = append(buf, m.Message...)
	return crypto.Keccak256(buf)
}

// FrameSender writes one signed frame to a peer daemon.
type FrameSender interface {
	Send(target string, tag uint8, msg interface{}, sig []byte) error
}

// Remote is another daemon's chain as seen by a NetEndpoint.
type Remote struct {
	Addr      string
	PublicKey ed25519.PublicKey
	Fees      FeeSchedule
}

// ReadChannel is a read channel answered locally by Caller.
type ReadChannel struct {
	Caller source.Caller
	Fees   FeeSchedule
}

// NetEndpointConfig configures a NetEndpoint.
type NetEndpointConfig struct {
	EID          uint32
	Ledger       *ledger.Ledger
	Sender       FrameSender
	PacketTag    uint8
	PrivateKey   ed25519.PrivateKey
	Remotes      map[uint32]Remote
	ReadChannels map[uint32]ReadChannel
	// Store keeps the GUIDs of accepted packets across restarts. Nil keeps them in memory only.
	Store  *storage.Store
	Logger hclog.Logger
}

// NetEndpoint is the endpoint of one daemon's chain. Packets for remote chains are sent as
// signed frames. Read commands are executed locally and their responses queued for local
// delivery. Every daemon keeps its own ledger, so the receiving endpoint mints the value a
// remote sender forwarded before delivering it.
type NetEndpoint struct {
	lock    sync.Mutex
	eid     uint32
	address common.Address
	ledger  *ledger.Ledger
	sender  FrameSender
	tag     uint8
	priv    ed25519.PrivateKey
	remotes map[uint32]Remote
	reads   map[uint32]ReadChannel
	store   *storage.Store
	logger  hclog.Logger

	receivers map[common.Address]Receiver
	nonces    map[pathKey]uint64
	seen      map[common.Hash]struct{}
	inbox     []*Packet
}

// NewNetEndpoint creates the endpoint described by cfg.
func NewNetEndpoint(cfg NetEndpointConfig) *NetEndpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	remotes := make(map[uint32]Remote, len(cfg.Remotes))
	for eid, r := range cfg.Remotes {
		remotes[eid] = r
	}
	reads := make(map[uint32]ReadChannel, len(cfg.ReadChannels))
	for ch, r := range cfg.ReadChannels {
		reads[ch] = r
	}
	return &NetEndpoint{
		eid:       cfg.EID,
		address:   EndpointAddress(cfg.EID),
		ledger:    cfg.Ledger,
		sender:    cfg.Sender,
		tag:       cfg.PacketTag,
		priv:      cfg.PrivateKey,
		remotes:   remotes,
		reads:     reads,
		store:     cfg.Store,
		logger:    logger,
		receivers: make(map[common.Address]Receiver),
		nonces:    make(map[pathKey]uint64),
		seen:      make(map[common.Hash]struct{}),
	}
}

// EID returns the chain id of the endpoint.
func (e *NetEndpoint) EID() uint32 {
	return e.eid
}

// Address implements Endpoint.
func (e *NetEndpoint) Address() common.Address {
	return e.address
}

// Register routes messages for addr to r.
func (e *NetEndpoint) Register(addr common.Address, r Receiver) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.receivers[addr] = r
}

// Pending returns the number of packets waiting for local delivery.
func (e *NetEndpoint) Pending() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.inbox)
}

func (e *NetEndpoint) price(params MessagingParams) (fee, forwarded *uint256.Int, read bool, err error) {
	if rc, ok := e.reads[params.DstEID]; ok {
		fee, forwarded, err = rc.Fees.Price(params.Options, true)
		return fee, forwarded, true, err
	}
	if r, ok := e.remotes[params.DstEID]; ok {
		fee, forwarded, err = r.Fees.Price(params.Options, false)
		return fee, forwarded, false, err
	}
	return nil, nil, false, errors.Wrapf(errs.ErrNotConfigured, "no route to eid %d", params.DstEID)
}

// Quote implements Endpoint.
func (e *NetEndpoint) Quote(params MessagingParams, _ common.Address) (MessagingFee, error) {
	if err := checkParams(params); err != nil {
		return MessagingFee{}, err
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	fee, _, _, err := e.price(params)
	if err != nil {
		return MessagingFee{}, err
	}
	return MessagingFee{NativeFee: fee, LzTokenFee: new(uint256.Int)}, nil
}

// Send implements Endpoint. The whole of call.Value is taken from the caller; the fee net of
// the forwarded value goes to NetTreasury and the excess to refund. Nothing is charged when
// the frame cannot be written.
func (e *NetEndpoint) Send(call ledger.Call, params MessagingParams, refund common.Address) (MessagingReceipt, error) {
	if err := checkParams(params); err != nil {
		return MessagingReceipt{}, err
	}
	e.lock.Lock()
	defer e.lock.Unlock()

	fee, forwarded, read, err := e.price(params)
	if err != nil {
		return MessagingReceipt{}, err
	}
	value := call.Amount()
	if value.Lt(fee) {
		return MessagingReceipt{}, errors.Wrapf(errs.ErrInsufficientFunds, "fee %s, attached %s", fee.ToBig(), value.ToBig())
	}
	if read {
		if _, err := lzcodec.DecodeReadCommand(params.Message); err != nil {
			return MessagingReceipt{}, err
		}
	}
	if err := e.ledger.Transfer(call.From, e.address, value); err != nil {
		return MessagingReceipt{}, err
	}

	path := pathKey{src: e.eid, sender: call.From, dst: params.DstEID, receiver: params.Receiver}
	nonce := e.nonces[path] + 1
	guid := GUID(nonce, e.eid, call.From, params.DstEID, params.Receiver)
	packet := &Packet{
		Origin:   Origin{SrcEID: e.eid, Sender: AddressToBytes32(call.From), Nonce: nonce},
		DstEID:   params.DstEID,
		Receiver: Bytes32ToAddress(params.Receiver),
		GUID:     guid,
		Message:  append([]byte(nil), params.Message...),
		Value:    new(uint256.Int).Set(forwarded),
		Read:     read,
	}

	if !read {
		if err := e.sendFrame(packet); err != nil {
			if rerr := e.ledger.Transfer(e.address, call.From, value); rerr != nil {
				e.logger.Error("failed to return value after send failure", "error", rerr)
			}
			return MessagingReceipt{}, err
		}
	}

	rest := new(uint256.Int).Sub(value, fee)
	charged := new(uint256.Int).Sub(fee, forwarded)
	var result *multierror.Error
	if err := e.ledger.Transfer(e.address, NetTreasury, charged); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.ledger.Transfer(e.address, refund, rest); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		e.logger.Error("fee settlement failed", "guid", guid.Hex(), "error", err)
	}

	e.nonces[path] = nonce
	if read {
		e.inbox = append(e.inbox, packet)
	}
	e.logger.Debug("packet sent", "dst", params.DstEID, "nonce", nonce, "guid", guid.Hex(),
		"fee", fee.ToBig(), "forwarded", forwarded.ToBig(), "read", read)
	return MessagingReceipt{GUID: guid, Nonce: nonce, Fee: MessagingFee{NativeFee: fee, LzTokenFee: new(uint256.Int)}}, nil
}

func (e *NetEndpoint) sendFrame(p *Packet) error {
	remote := e.remotes[p.DstEID]
	value := p.Value.Bytes32()
	msg := &PacketMsg{
		SrcEID:   p.Origin.SrcEID,
		Sender:   p.Origin.Sender.Bytes(),
		Nonce:    p.Origin.Nonce,
		DstEID:   p.DstEID,
		Receiver: AddressToBytes32(p.Receiver).Bytes(),
		GUID:     p.GUID.Bytes(),
		Message:  p.Message,
		Value:    value[:],
	}
	sig := sign.SignEd25519(e.priv, msg.Digest())
	return errors.WithMessagef(e.sender.Send(remote.Addr, e.tag, msg, sig), "send packet to eid %d", p.DstEID)
}

// HandlePacket accepts a packet frame from a peer daemon. The signature must verify against
// the key configured for the source chain. The forwarded value is minted at this endpoint and
// the packet queued for delivery. A packet already accepted is ignored.
func (e *NetEndpoint) HandlePacket(msg *PacketMsg, sig []byte) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	remote, ok := e.remotes[msg.SrcEID]
	if !ok {
		return errors.Wrapf(errs.ErrNotConfigured, "packet from unknown eid %d", msg.SrcEID)
	}
	valid, err := sign.VerifySignEd25519(remote.PublicKey, msg.Digest(), sig)
	if err != nil {
		return errors.WithMessagef(err, "verify packet from eid %d", msg.SrcEID)
	}
	if !valid {
		return errors.Wrapf(errs.ErrUnauthorized, "bad signature on packet from eid %d", msg.SrcEID)
	}
	if msg.DstEID != e.eid {
		return errors.Wrapf(errs.ErrInvalidArgument, "packet for eid %d delivered to eid %d", msg.DstEID, e.eid)
	}
	if len(msg.Sender) != common.HashLength || len(msg.Receiver) != common.HashLength ||
		len(msg.GUID) != common.HashLength || len(msg.Value) != 32 {
		return errors.Wrap(errs.ErrMalformedInput, "packet field lengths")
	}
	guid := common.BytesToHash(msg.GUID)
	dup, err := e.accepted(guid)
	if err != nil {
		return err
	}
	if dup {
		e.logger.Debug("duplicate packet ignored", "guid", guid.Hex())
		return nil
	}
	if e.store != nil {
		batch := e.store.NewBatch()
		batch.Put(seenTable, guid.Bytes(), nil)
		if err := batch.Commit(); err != nil {
			return errors.WithMessagef(err, "record packet %s", guid.Hex())
		}
	}
	e.seen[guid] = struct{}{}

	value := new(uint256.Int).SetBytes(msg.Value)
	e.ledger.Mint(e.address, value)
	e.inbox = append(e.inbox, &Packet{
		Origin:   Origin{SrcEID: msg.SrcEID, Sender: common.BytesToHash(msg.Sender), Nonce: msg.Nonce},
		DstEID:   msg.DstEID,
		Receiver: Bytes32ToAddress(common.BytesToHash(msg.Receiver)),
		GUID:     guid,
		Message:  msg.Message,
		Value:    value,
	})
	return nil
}

// accepted reports whether a packet with guid was accepted before, by this endpoint or by an
// earlier one sharing its store.
func (e *NetEndpoint) accepted(guid common.Hash) (bool, error) {
	if _, ok := e.seen[guid]; ok {
		return true, nil
	}
	if e.store == nil {
		return false, nil
	}
	ok, err := e.store.Has(seenTable, guid.Bytes())
	return ok, errors.WithMessagef(err, "look up packet %s", guid.Hex())
}

func (e *NetEndpoint) deliver(ctx context.Context, p *Packet) error {
	e.lock.Lock()
	p.Attempts++
	origin, message, receiverAddr := p.Origin, p.Message, p.Receiver
	var caller source.Caller
	if p.Read {
		rc, ok := e.reads[p.DstEID]
		if !ok {
			e.lock.Unlock()
			return errors.Wrapf(errs.ErrNotConfigured, "read channel %d", p.DstEID)
		}
		caller = rc.Caller
		receiverAddr = Bytes32ToAddress(p.Origin.Sender)
		origin = Origin{SrcEID: p.DstEID, Sender: AddressToBytes32(receiverAddr), Nonce: p.Origin.Nonce}
	}
	receiver, ok := e.receivers[receiverAddr]
	e.lock.Unlock()
	if !ok {
		return errors.Wrapf(errs.ErrNotConfigured, "no receiver %s", receiverAddr.Hex())
	}

	if caller != nil {
		req, err := lzcodec.DecodeReadCommand(p.Message)
		if err != nil {
			return err
		}
		if message, err = caller.Call(ctx, req); err != nil {
			return errors.WithMessage(err, "execute read")
		}
	}
	call := ledger.Call{From: e.address, Value: new(uint256.Int).Set(p.Value)}
	return receiver.LzReceive(ctx, call, origin, p.GUID, message, e.address, nil)
}

// DeliverAll delivers the queued packets, including those queued by the receivers, until the
// inbox is empty or a pass delivers nothing. Failed packets stay queued.
func (e *NetEndpoint) DeliverAll(ctx context.Context) error {
	for {
		e.lock.Lock()
		batch := e.inbox
		e.inbox = nil
		e.lock.Unlock()
		if len(batch) == 0 {
			return nil
		}
		var result *multierror.Error
		var failed []*Packet
		for _, p := range batch {
			if err := e.deliver(ctx, p); err != nil {
				e.logger.Warn("delivery failed", "guid", p.GUID.Hex(), "attempts", p.Attempts, "error", err)
				result = multierror.Append(result, errors.WithMessagef(err, "packet %s", p.GUID.Hex()))
				failed = append(failed, p)
			}
		}
		e.lock.Lock()
		e.inbox = append(failed, e.inbox...)
		stalled := len(failed) == len(batch) && len(e.inbox) == len(failed)
		e.lock.Unlock()
		if stalled {
			return result.ErrorOrNil()
		}
	}
}
