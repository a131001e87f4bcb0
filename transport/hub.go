package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/ledger"
	"github.com/gitzhang10/blockrelay/lzcodec"
	"github.com/gitzhang10/blockrelay/source"
)

var (
	// HubTreasury collects the fees charged by a Hub.
	HubTreasury = common.BytesToAddress([]byte("blockrelay/treasury"))
	// HubExecutor is the executor reported to receivers.
	HubExecutor = common.BytesToAddress([]byte("blockrelay/executor"))
)

// Packet is a message waiting for delivery.
type Packet struct {
	Origin   Origin
	DstEID   uint32
	Receiver common.Address
	GUID     common.Hash
	Message  []byte
	Value    *uint256.Int
	// Read packets carry a read command. The response is computed at delivery and handed
	// back to the sender on its own chain.
	Read     bool
	Attempts int
}

type hubChain struct {
	endpoint  *HubEndpoint
	fees      FeeSchedule
	receivers map[common.Address]Receiver
}

type readChannel struct {
	caller source.Caller
	fees   FeeSchedule
}

type pathKey struct {
	src      uint32
	sender   common.Address
	dst      uint32
	receiver common.Hash
}

// Hub connects several in-process chains sharing one ledger.
type Hub struct {
	lock   sync.Mutex
	ledger *ledger.Ledger
	logger hclog.Logger

	chains       map[uint32]*hubChain
	readChannels map[uint32]*readChannel
	nonces       map[pathKey]uint64
	queue        []*Packet
}

// NewHub creates a hub over l.
func NewHub(l *ledger.Ledger, logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		ledger:       l,
		logger:       logger,
		chains:       make(map[uint32]*hubChain),
		readChannels: make(map[uint32]*readChannel),
		nonces:       make(map[pathKey]uint64),
	}
}

// AddChain creates the endpoint of chain eid.
func (h *Hub) AddChain(eid uint32, fees FeeSchedule) *HubEndpoint {
	h.lock.Lock()
	defer h.lock.Unlock()
	ep := &HubEndpoint{hub: h, eid: eid, address: EndpointAddress(eid)}
	h.chains[eid] = &hubChain{endpoint: ep, fees: fees, receivers: make(map[common.Address]Receiver)}
	return ep
}

// AddReadChannel makes channel a read channel answered by caller.
func (h *Hub) AddReadChannel(channel uint32, caller source.Caller, fees FeeSchedule) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.readChannels[channel] = &readChannel{caller: caller, fees: fees}
}

// Pending returns the number of queued packets.
func (h *Hub) Pending() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.queue)
}

// HubEndpoint is the endpoint of one chain on a Hub.
type HubEndpoint struct {
	hub     *Hub
	eid     uint32
	address common.Address
}

// EID returns the chain id of the endpoint.
func (e *HubEndpoint) EID() uint32 {
	return e.eid
}

// Address implements Endpoint.
func (e *HubEndpoint) Address() common.Address {
	return e.address
}

// Register routes messages for addr on this chain to r.
func (e *HubEndpoint) Register(addr common.Address, r Receiver) {
	e.hub.lock.Lock()
	defer e.hub.lock.Unlock()
	e.hub.chains[e.eid].receivers[addr] = r
}

// Quote implements Endpoint.
func (e *HubEndpoint) Quote(params MessagingParams, _ common.Address) (MessagingFee, error) {
	if err := checkParams(params); err != nil {
		return MessagingFee{}, err
	}
	e.hub.lock.Lock()
	defer e.hub.lock.Unlock()
	fee, _, _, err := e.hub.price(params)
	if err != nil {
		return MessagingFee{}, err
	}
	return MessagingFee{NativeFee: fee, LzTokenFee: new(uint256.Int)}, nil
}

// price returns the fee, the forwarded value and whether params target a read channel.
func (h *Hub) price(params MessagingParams) (*uint256.Int, *uint256.Int, bool, error) {
	if rc, ok := h.readChannels[params.DstEID]; ok {
		fee, fwd, err := rc.fees.Price(params.Options, true)
		return fee, fwd, true, err
	}
	if c, ok := h.chains[params.DstEID]; ok {
		fee, fwd, err := c.fees.Price(params.Options, false)
		return fee, fwd, false, err
	}
	return nil, nil, false, errors.Wrapf(errs.ErrNotConfigured, "no route to eid %d", params.DstEID)
}

// Send implements Endpoint. The fee goes to HubTreasury, the forwarded value is held by the
// delivering endpoint and the rest of call.Value goes to refund.
func (e *HubEndpoint) Send(call ledger.Call, params MessagingParams, refund common.Address) (MessagingReceipt, error) {
	if err := checkParams(params); err != nil {
		return MessagingReceipt{}, err
	}
	h := e.hub
	h.lock.Lock()
	defer h.lock.Unlock()

	fee, forwarded, read, err := h.price(params)
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

	// the delivering endpoint pays the receiver: the sender's own chain for reads
	deliverer := params.DstEID
	if read {
		deliverer = e.eid
	}
	if err := h.ledger.Transfer(call.From, EndpointAddress(deliverer), value); err != nil {
		return MessagingReceipt{}, err
	}
	rest := new(uint256.Int).Sub(value, fee)
	charged := new(uint256.Int).Sub(fee, forwarded)
	for _, t := range []struct {
		to     common.Address
		amount *uint256.Int
	}{{HubTreasury, charged}, {refund, rest}} {
		if err := h.ledger.Transfer(EndpointAddress(deliverer), t.to, t.amount); err != nil {
			return MessagingReceipt{}, err
		}
	}

	path := pathKey{src: e.eid, sender: call.From, dst: params.DstEID, receiver: params.Receiver}
	h.nonces[path]++
	nonce := h.nonces[path]
	guid := GUID(nonce, e.eid, call.From, params.DstEID, params.Receiver)
	h.queue = append(h.queue, &Packet{
		Origin:   Origin{SrcEID: e.eid, Sender: AddressToBytes32(call.From), Nonce: nonce},
		DstEID:   params.DstEID,
		Receiver: Bytes32ToAddress(params.Receiver),
		GUID:     guid,
		Message:  append([]byte(nil), params.Message...),
		Value:    new(uint256.Int).Set(forwarded),
		Read:     read,
	})
	h.logger.Debug("packet queued", "src", e.eid, "dst", params.DstEID, "nonce", nonce, "guid", guid.Hex(),
		"fee", fee.ToBig(), "forwarded", forwarded.ToBig(), "read", read)
	return MessagingReceipt{GUID: guid, Nonce: nonce, Fee: MessagingFee{NativeFee: fee, LzTokenFee: new(uint256.Int)}}, nil
}

// deliver hands p to its receiver. Read packets are first executed against the read
// channel's caller and then delivered to the sender's chain with the channel as origin.
func (h *Hub) deliver(ctx context.Context, p *Packet) error {
	h.lock.Lock()
	p.Attempts++
	dstEID, receiverAddr := p.DstEID, p.Receiver
	origin, message := p.Origin, p.Message
	var caller source.Caller
	if p.Read {
		rc, ok := h.readChannels[p.DstEID]
		if !ok {
			h.lock.Unlock()
			return errors.Wrapf(errs.ErrNotConfigured, "read channel %d", p.DstEID)
		}
		caller = rc.caller
		dstEID = p.Origin.SrcEID
		receiverAddr = Bytes32ToAddress(p.Origin.Sender)
		origin = Origin{SrcEID: p.DstEID, Sender: AddressToBytes32(receiverAddr), Nonce: p.Origin.Nonce}
	}
	chain, ok := h.chains[dstEID]
	var receiver Receiver
	if ok {
		receiver, ok = chain.receivers[receiverAddr]
	}
	h.lock.Unlock()
	if !ok {
		return errors.Wrapf(errs.ErrNotConfigured, "no receiver %s on eid %d", receiverAddr.Hex(), dstEID)
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
	call := ledger.Call{From: chain.endpoint.address, Value: new(uint256.Int).Set(p.Value)}
	return receiver.LzReceive(ctx, call, origin, p.GUID, message, HubExecutor, nil)
}

func (h *Hub) takeQueue() []*Packet {
	h.lock.Lock()
	defer h.lock.Unlock()
	q := h.queue
	h.queue = nil
	return q
}

func (h *Hub) requeue(failed []*Packet) {
	if len(failed) == 0 {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.queue = append(failed, h.queue...)
}

// DeliverAll delivers queued packets in order, including packets queued by the receivers,
// until the queue is empty or a pass delivers nothing. It returns the errors of the last
// pass. Failed packets stay queued.
func (h *Hub) DeliverAll(ctx context.Context) error {
	for {
		batch := h.takeQueue()
		if len(batch) == 0 {
			return nil
		}
		var result *multierror.Error
		var failed []*Packet
		for _, p := range batch {
			if err := h.deliver(ctx, p); err != nil {
				h.logger.Warn("delivery failed", "guid", p.GUID.Hex(), "attempts", p.Attempts, "error", err)
				result = multierror.Append(result, errors.WithMessagef(err, "packet %s", p.GUID.Hex()))
				failed = append(failed, p)
			}
		}
		h.requeue(failed)
		if len(failed) == len(batch) && h.Pending() == len(failed) {
			return result.ErrorOrNil()
		}
	}
}

// Run delivers queued packets on a worker pool every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, workers int, interval time.Duration) {
	pool := workerpool.New(workers)
	defer pool.StopWait()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		batch := h.takeQueue()
		var lock sync.Mutex
		var failed []*Packet
		var wg sync.WaitGroup
		for _, p := range batch {
			p := p
			wg.Add(1)
			pool.Submit(func() {
				defer wg.Done()
				if err := h.deliver(ctx, p); err != nil {
					h.logger.Warn("delivery failed", "guid", p.GUID.Hex(), "attempts", p.Attempts, "error", err)
					lock.Lock()
					failed = append(failed, p)
					lock.Unlock()
				}
			})
		}
		wg.Wait()
		h.requeue(failed)
	}
}
