package relay

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/ledger"
	"github.com/gitzhang10/blockrelay/storage"
	"github.com/gitzhang10/blockrelay/transport"
)

func eidKey(eid uint32) []byte {
	return storage.Uint64Key(uint64(eid))
}

func (r *Relay) saveState(batch *storage.Batch, next state) error {
	batch.PutObject(metaTable, stateKey, next)
	if err := batch.Commit(); err != nil {
		return err
	}
	r.st = next
	return nil
}

// SetReadConfig enables or disables the read channel. Enabling needs a source eid and a view
// address, disabling needs both zero. The read channel's peer is the relay itself and follows
// every change.
func (r *Relay) SetReadConfig(caller common.Address, enabled bool, channel, sourceEID uint32, view common.Address) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	if channel < MinReadChannel {
		return errors.Wrapf(errs.ErrInvalidArgument, "invalid read channel %d", channel)
	}
	zeroView := view == (common.Address{})
	if enabled && (sourceEID == 0 || zeroView) || !enabled && (sourceEID != 0 || !zeroView) {
		return errors.Wrap(errs.ErrInvalidArgument, "invalid read config")
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	batch := r.store.NewBatch()
	next := r.st.clone()
	old := r.st.ReadChannel
	if old != 0 && old != channel {
		batch.Delete(peerTable, eidKey(old))
	}
	self := transport.AddressToBytes32(r.address)
	if enabled {
		batch.Put(peerTable, eidKey(channel), self.Bytes())
	} else {
		batch.Delete(peerTable, eidKey(channel))
	}
	next.ReadEnabled = enabled
	next.ReadChannel = channel
	next.SourceEID = sourceEID
	next.View = view.Bytes()
	if zeroView {
		next.View = nil
	}
	if err := r.saveState(batch, next); err != nil {
		return err
	}
	if old != 0 && old != channel {
		delete(r.peers, old)
	}
	if enabled {
		r.peers[channel] = self
	} else {
		delete(r.peers, channel)
	}
	r.logger.Info("read config set", "enabled", enabled, "channel", channel, "source", sourceEID, "view", view.Hex())
	return nil
}

// ReadConfig returns the read-channel configuration.
func (r *Relay) ReadConfig() ReadConfig {
	r.lock.Lock()
	defer r.lock.Unlock()
	return ReadConfig{
		Enabled:   r.st.ReadEnabled,
		Channel:   r.st.ReadChannel,
		SourceEID: r.st.SourceEID,
		View:      common.BytesToAddress(r.st.View),
	}
}

// SetPeers sets the peer relay of each eid. A zero peer removes it.
func (r *Relay) SetPeers(caller common.Address, eids []uint32, peers []common.Address) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	if len(eids) != len(peers) {
		return errors.Wrap(errs.ErrInvalidArgument, "invalid peer arrays")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	batch := r.store.NewBatch()
	for i, eid := range eids {
		if peers[i] == (common.Address{}) {
			batch.Delete(peerTable, eidKey(eid))
			continue
		}
		batch.Put(peerTable, eidKey(eid), transport.AddressToBytes32(peers[i]).Bytes())
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	for i, eid := range eids {
		if peers[i] == (common.Address{}) {
			delete(r.peers, eid)
		} else {
			r.peers[eid] = transport.AddressToBytes32(peers[i])
		}
		r.logger.Info("peer set", "eid", eid, "peer", peers[i].Hex())
	}
	return nil
}

// Peer returns the peer of eid, or zero.
func (r *Relay) Peer(eid uint32) common.Hash {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.peers[eid]
}

// SetGasLimit sets the default receive gas of fan-out messages.
func (r *Relay) SetGasLimit(caller common.Address, gas uint64) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	if gas == 0 {
		return errors.Wrap(errs.ErrInvalidArgument, "zero gas limit")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	next := r.st.clone()
	next.GasLimit = gas
	return r.saveState(r.store.NewBatch(), next)
}

// SetGasLimits overrides the receive gas for individual eids. A zero limit removes the
// override.
func (r *Relay) SetGasLimits(caller common.Address, eids []uint32, limits []uint64) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	if len(eids) != len(limits) {
		return errors.Wrap(errs.ErrInvalidArgument, "invalid gas limit arrays")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	batch := r.store.NewBatch()
	for i, eid := range eids {
		if limits[i] == 0 {
			batch.Delete(gasTable, eidKey(eid))
		} else {
			batch.Put(gasTable, eidKey(eid), storage.Uint64Key(limits[i]))
		}
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	for i, eid := range eids {
		if limits[i] == 0 {
			delete(r.gas, eid)
		} else {
			r.gas[eid] = limits[i]
		}
	}
	return nil
}

// GasLimit returns the receive gas used for eid.
func (r *Relay) GasLimit(eid uint32) uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.gasFor(eid, 0)
}

// SetDefaultRefundAddress sets where unspent fan-out fees of read responses go.
func (r *Relay) SetDefaultRefundAddress(caller, addr common.Address) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	next := r.st.clone()
	next.Refund = addr.Bytes()
	return r.saveState(r.store.NewBatch(), next)
}

// DefaultRefundAddress returns where unspent fan-out fees of read responses go.
func (r *Relay) DefaultRefundAddress() common.Address {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.refundAddress()
}

// AddBroadcastTargets registers default fan-out destinations. An existing eid is rejected
// unless overwrite is set.
func (r *Relay) AddBroadcastTargets(caller common.Address, eids []uint32, targets []common.Address, overwrite bool) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	if len(eids) != len(targets) {
		return errors.Wrap(errs.ErrInvalidArgument, "invalid target arrays")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	next := r.st.clone()
	added := make(map[uint32]common.Address, len(eids))
	batch := r.store.NewBatch()
	for i, eid := range eids {
		if targets[i] == (common.Address{}) {
			return errors.Wrapf(errs.ErrInvalidArgument, "zero target for eid %d", eid)
		}
		_, exists := r.targets[eid]
		if _, dup := added[eid]; dup {
			exists = true
		}
		if exists && !overwrite {
			return errors.Wrapf(errs.ErrInvalidArgument, "one of the targets already added: eid %d", eid)
		}
		if _, known := r.targets[eid]; !known {
			if _, dup := added[eid]; !dup {
				next.TargetEIDs = append(next.TargetEIDs, eid)
			}
		}
		added[eid] = targets[i]
		batch.Put(targetTable, eidKey(eid), targets[i].Bytes())
	}
	if err := r.saveState(batch, next); err != nil {
		return err
	}
	for eid, target := range added {
		r.targets[eid] = target
	}
	return nil
}

// RemoveBroadcastTargets removes default fan-out destinations. A missing eid is rejected
// unless ignoreMissing is set.
func (r *Relay) RemoveBroadcastTargets(caller common.Address, eids []uint32, ignoreMissing bool) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	remove := make(map[uint32]bool, len(eids))
	for _, eid := range eids {
		if _, ok := r.targets[eid]; !ok {
			if ignoreMissing {
				continue
			}
			return errors.Wrapf(errs.ErrInvalidArgument, "not a target: eid %d", eid)
		}
		remove[eid] = true
	}
	next := r.st.clone()
	next.TargetEIDs = next.TargetEIDs[:0]
	for _, eid := range r.st.TargetEIDs {
		if !remove[eid] {
			next.TargetEIDs = append(next.TargetEIDs, eid)
		}
	}
	batch := r.store.NewBatch()
	for eid := range remove {
		batch.Delete(targetTable, eidKey(eid))
	}
	if err := r.saveState(batch, next); err != nil {
		return err
	}
	for eid := range remove {
		delete(r.targets, eid)
	}
	return nil
}

// BroadcastTarget returns the target registered for eid, or zero.
func (r *Relay) BroadcastTarget(eid uint32) common.Address {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.targets[eid]
}

// AllBroadcastEIDs returns the registered target eids in insertion order.
func (r *Relay) AllBroadcastEIDs() []uint32 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]uint32(nil), r.st.TargetEIDs...)
}

// BroadcastTargets returns the registered targets keyed by eid.
func (r *Relay) BroadcastTargets() map[uint32]common.Address {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make(map[uint32]common.Address, len(r.targets))
	for eid, t := range r.targets {
		out[eid] = t
	}
	return out
}

// PeerEIDs returns the eids with a configured peer, read channel excluded, in ascending order.
func (r *Relay) PeerEIDs() []uint32 {
	r.lock.Lock()
	defer r.lock.Unlock()
	eids := make([]uint32, 0, len(r.peers))
	for eid := range r.peers {
		if eid >= MinReadChannel {
			continue
		}
		eids = append(eids, eid)
	}
	sort.Slice(eids, func(i, j int) bool { return eids[i] < eids[j] })
	return eids
}

// SetOracle replaces the oracle the relay commits to. A nil oracle disables committing.
func (r *Relay) SetOracle(caller common.Address, oracle BlockOracle) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.oracle = oracle
	return nil
}

// Oracle returns the oracle the relay commits to.
func (r *Relay) Oracle() BlockOracle {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.oracle
}

// Deposit credits the attached value to the relay.
func (r *Relay) Deposit(call ledger.Call) error {
	return r.ledger.Transfer(call.From, r.address, call.Amount())
}

// Withdraw sends amount of the relay's balance to the owner.
func (r *Relay) Withdraw(caller common.Address, amount *uint256.Int) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.ledger.Balance(r.address).Lt(amount) {
		return errors.Wrapf(errs.ErrInsufficientFunds, "insufficient balance for %s", amount.ToBig())
	}
	return r.ledger.Transfer(r.address, caller, amount)
}
