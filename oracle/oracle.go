/*
Package oracle turns committer votes on "the hash of block N" into confirmed, immutable
block hashes, and stores the decoded header of a confirmed block once someone submits it.

All tables live in one storage.Store. Each operation holds the oracle lock for its whole
duration and writes through a single batch, so a rejected operation leaves no trace.
*/
package oracle

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gitzhang10/blockrelay/access"
	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/headercodec"
	"github.com/gitzhang10/blockrelay/storage"
)

const (
	blockTable  storage.Table = "oracle/block"  // number -> confirmed hash
	headerTable storage.Table = "oracle/header" // number -> headerRecord
	countTable  storage.Table = "oracle/count"  // number|hash -> live votes
	voteTable   storage.Table = "oracle/vote"   // committer|number -> hash
	metaTable   storage.Table = "oracle/meta"
)

var stateKey = []byte("state")

// ConfirmFunc is called after a block hash has been confirmed and persisted.
type ConfirmFunc func(number uint64, hash common.Hash)

// Config holds the optional collaborators of an Oracle.
type Config struct {
	Owner      common.Address
	Logger     hclog.Logger
	Registerer prometheus.Registerer
	Namespace  string
	OnConfirm  ConfirmFunc
}

// HeaderRecord is a verified header stored for a confirmed block.
type HeaderRecord struct {
	BlockHash    common.Hash
	ParentHash   common.Hash
	StateRoot    common.Hash
	ReceiptsRoot common.Hash
	Number       uint64
	Timestamp    uint64
}

// headerRecord is the persisted form of HeaderRecord.
type headerRecord struct {
	BlockHash    []byte
	ParentHash   []byte
	StateRoot    []byte
	ReceiptsRoot []byte
	Number       uint64
	Timestamp    uint64
}

func (r headerRecord) toHeader() HeaderRecord {
	return HeaderRecord{
		BlockHash:    common.BytesToHash(r.BlockHash),
		ParentHash:   common.BytesToHash(r.ParentHash),
		StateRoot:    common.BytesToHash(r.StateRoot),
		ReceiptsRoot: common.BytesToHash(r.ReceiptsRoot),
		Number:       r.Number,
		Timestamp:    r.Timestamp,
	}
}

// state is everything the oracle keeps outside the per-number tables.
type state struct {
	Committers    [][]byte
	Threshold     uint64
	HasLastBlock  bool
	LastBlock     uint64
	HasLastHeader bool
	LastHeader    uint64
	Verifier      []byte
}

func (s state) clone() state {
	c := s
	c.Committers = append([][]byte(nil), s.Committers...)
	c.Verifier = append([]byte(nil), s.Verifier...)
	return c
}

func (s state) indexOf(addr common.Address) int {
	for i, c := range s.Committers {
		if common.BytesToAddress(c) == addr {
			return i
		}
	}
	return -1
}

// Oracle is the threshold block-hash oracle.
type Oracle struct {
	*access.Ownable

	lock      sync.Mutex
	store     *storage.Store
	st        state
	logger    hclog.Logger
	metrics   *metrics
	onConfirm ConfirmFunc
}

// New loads (or initializes) an oracle from store.
func New(store *storage.Store, cfg Config) (*Oracle, error) {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "blockrelay_oracle"
	}
	m, err := newMetrics(cfg.Namespace, cfg.Registerer)
	if err != nil {
		return nil, errors.Wrap(err, "register oracle metrics")
	}
	o := &Oracle{
		Ownable:   access.NewOwnable(cfg.Owner),
		store:     store,
		logger:    cfg.Logger,
		metrics:   m,
		onConfirm: cfg.OnConfirm,
	}
	if _, err := store.GetObject(metaTable, stateKey, &o.st); err != nil {
		return nil, err
	}
	o.metrics.committers.Set(float64(len(o.st.Committers)))
	o.metrics.threshold.Set(float64(o.st.Threshold))
	return o, nil
}

// SetConfirmHook replaces the function called after each confirmation.
func (o *Oracle) SetConfirmHook(fn ConfirmFunc) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.onConfirm = fn
}

func countKey(number uint64, hash common.Hash) []byte {
	return storage.Concat(storage.Uint64Key(number), hash.Bytes())
}

func voteKey(committer common.Address, number uint64) []byte {
	return storage.Concat(committer.Bytes(), storage.Uint64Key(number))
}

func (o *Oracle) confirmedHash(number uint64) (common.Hash, bool, error) {
	v, ok, err := o.store.Get(blockTable, storage.Uint64Key(number))
	if err != nil || !ok {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(v), true, nil
}

func (o *Oracle) count(number uint64, hash common.Hash) (uint64, error) {
	v, ok, err := o.store.Get(countTable, countKey(number, hash))
	if err != nil || !ok {
		return 0, err
	}
	return storage.KeyUint64(v), nil
}

func (o *Oracle) notify(number uint64, hash common.Hash) {
	o.lock.Lock()
	fn := o.onConfirm
	o.lock.Unlock()
	if fn != nil {
		fn(number, hash)
	}
}

// stageConfirm adds the confirmation of (number, hash) to batch and returns the state to
// install once the batch is committed.
func (o *Oracle) stageConfirm(batch *storage.Batch, next state, number uint64, hash common.Hash) state {
	batch.Put(blockTable, storage.Uint64Key(number), hash.Bytes())
	if !next.HasLastBlock || number > next.LastBlock {
		next.HasLastBlock = true
		next.LastBlock = number
	}
	batch.PutObject(metaTable, stateKey, next)
	return next
}

// Vote records committer's vote for hash at number, replacing the committer's previous vote
// at that number. With tryConfirm the hash is confirmed in the same step once it has
// threshold votes. It reports whether this call confirmed the hash.
func (o *Oracle) Vote(committer common.Address, number uint64, hash common.Hash, tryConfirm bool) (bool, error) {
	o.lock.Lock()
	confirmed, err := o.vote(committer, number, hash, tryConfirm)
	o.lock.Unlock()
	if confirmed {
		o.notify(number, hash)
	}
	return confirmed, err
}

func (o *Oracle) vote(committer common.Address, number uint64, hash common.Hash, tryConfirm bool) (bool, error) {
	if o.st.indexOf(committer) < 0 {
		return false, errors.Wrapf(errs.ErrUnauthorized, "%s is not a committer", committer.Hex())
	}
	if hash == (common.Hash{}) {
		return false, errors.Wrap(errs.ErrMalformedInput, "zero block hash")
	}
	if _, ok, err := o.confirmedHash(number); err != nil {
		return false, err
	} else if ok {
		return false, errors.Wrapf(errs.ErrAlreadyFinal, "block %d already confirmed", number)
	}

	batch := o.store.NewBatch()
	newCount, err := o.count(number, hash)
	if err != nil {
		return false, err
	}
	prevRaw, hadVote, err := o.store.Get(voteTable, voteKey(committer, number))
	if err != nil {
		return false, err
	}
	prev := common.BytesToHash(prevRaw)
	switch {
	case !hadVote:
		newCount++
	case prev != hash:
		prevCount, err := o.count(number, prev)
		if err != nil {
			return false, err
		}
		if prevCount > 0 {
			prevCount--
		}
		if prevCount == 0 {
			batch.Delete(countTable, countKey(number, prev))
		} else {
			batch.Put(countTable, countKey(number, prev), storage.Uint64Key(prevCount))
		}
		newCount++
	}
	batch.Put(countTable, countKey(number, hash), storage.Uint64Key(newCount))
	batch.Put(voteTable, voteKey(committer, number), hash.Bytes())

	confirm := tryConfirm && newCount >= o.st.Threshold
	next := o.st
	if confirm {
		next = o.stageConfirm(batch, o.st.clone(), number, hash)
	}
	if err := batch.Commit(); err != nil {
		return false, err
	}
	o.st = next
	o.metrics.votes.Inc()
	o.logger.Debug("vote recorded", "committer", committer.Hex(), "number", number, "hash", hash.Hex(),
		"count", newCount, "threshold", o.st.Threshold)
	if confirm {
		o.metrics.confirmations.Inc()
		o.logger.Info("block hash confirmed", "number", number, "hash", hash.Hex(), "votes", newCount)
	}
	return confirm, nil
}

// Confirm finalizes (number, hash) if it already has threshold votes. Anyone may call it.
func (o *Oracle) Confirm(number uint64, hash common.Hash) error {
	o.lock.Lock()
	err := o.confirm(number, hash)
	o.lock.Unlock()
	if err == nil {
		o.notify(number, hash)
	}
	return err
}

func (o *Oracle) confirm(number uint64, hash common.Hash) error {
	if _, ok, err := o.confirmedHash(number); err != nil {
		return err
	} else if ok {
		return errors.Wrapf(errs.ErrAlreadyFinal, "block %d already confirmed", number)
	}
	if hash == (common.Hash{}) {
		return errors.Wrap(errs.ErrMalformedInput, "zero block hash")
	}
	count, err := o.count(number, hash)
	if err != nil {
		return err
	}
	if o.st.Threshold == 0 || count < o.st.Threshold {
		return errors.Wrapf(errs.ErrInsufficientQuorum, "block %d has %d votes, threshold %d", number, count, o.st.Threshold)
	}
	batch := o.store.NewBatch()
	next := o.stageConfirm(batch, o.st.clone(), number, hash)
	if err := batch.Commit(); err != nil {
		return err
	}
	o.st = next
	o.metrics.confirmations.Inc()
	o.logger.Info("block hash confirmed", "number", number, "hash", hash.Hex(), "votes", count)
	return nil
}

// AdminApplyBlock confirms (number, hash) without votes. Owner only.
func (o *Oracle) AdminApplyBlock(caller common.Address, number uint64, hash common.Hash) error {
	if err := o.OnlyOwner(caller); err != nil {
		return err
	}
	o.lock.Lock()
	err := o.adminApply(number, hash)
	o.lock.Unlock()
	if err == nil {
		o.notify(number, hash)
	}
	return err
}

func (o *Oracle) adminApply(number uint64, hash common.Hash) error {
	if hash == (common.Hash{}) {
		return errors.Wrap(errs.ErrMalformedInput, "zero block hash")
	}
	if _, ok, err := o.confirmedHash(number); err != nil {
		return err
	} else if ok {
		return errors.Wrapf(errs.ErrAlreadyFinal, "block %d already confirmed", number)
	}
	batch := o.store.NewBatch()
	next := o.stageConfirm(batch, o.st.clone(), number, hash)
	if err := batch.Commit(); err != nil {
		return err
	}
	o.st = next
	o.metrics.confirmations.Inc()
	o.logger.Warn("block hash applied by owner", "number", number, "hash", hash.Hex())
	return nil
}

// SubmitHeader decodes raw and stores it as the header of its block. Anyone may call it.
func (o *Oracle) SubmitHeader(raw []byte) (*HeaderRecord, error) {
	h, err := headercodec.Decode(raw)
	if err != nil {
		return nil, err
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.storeHeader(h)
}

// ApplyHeader stores an already decoded header. Only the configured header verifier may
// call it.
func (o *Oracle) ApplyHeader(caller common.Address, h *headercodec.Header) (*HeaderRecord, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if len(o.st.Verifier) == 0 {
		return nil, errors.Wrap(errs.ErrNotConfigured, "header verifier not set")
	}
	if caller != common.BytesToAddress(o.st.Verifier) {
		return nil, errors.Wrapf(errs.ErrUnauthorized, "%s is not the header verifier", caller.Hex())
	}
	return o.storeHeader(h)
}

func (o *Oracle) storeHeader(h *headercodec.Header) (*HeaderRecord, error) {
	confirmed, ok, err := o.confirmedHash(h.Number)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotConfirmed, "block %d", h.Number)
	}
	if confirmed != h.Hash {
		return nil, errors.Wrapf(errs.ErrHashMismatch, "block %d: header hash %s, confirmed %s",
			h.Number, h.Hash.Hex(), confirmed.Hex())
	}
	key := storage.Uint64Key(h.Number)
	if has, err := o.store.Has(headerTable, key); err != nil {
		return nil, err
	} else if has {
		return nil, errors.Wrapf(errs.ErrAlreadyFinal, "header %d already submitted", h.Number)
	}
	rec := headerRecord{
		BlockHash:    h.Hash.Bytes(),
		ParentHash:   h.ParentHash.Bytes(),
		StateRoot:    h.StateRoot.Bytes(),
		ReceiptsRoot: h.ReceiptsRoot.Bytes(),
		Number:       h.Number,
		Timestamp:    h.Timestamp,
	}
	batch := o.store.NewBatch()
	batch.PutObject(headerTable, key, rec)
	next := o.st
	if !o.st.HasLastHeader || h.Number > o.st.LastHeader {
		next = o.st.clone()
		next.HasLastHeader = true
		next.LastHeader = h.Number
		batch.PutObject(metaTable, stateKey, next)
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}
	o.st = next
	o.metrics.headers.Inc()
	o.logger.Info("header stored", "number", h.Number, "hash", h.Hash.Hex())
	out := rec.toHeader()
	return &out, nil
}

func (o *Oracle) saveState(next state) error {
	return o.commitState(o.store.NewBatch(), next)
}

// commitState adds next to batch, commits it and installs next.
func (o *Oracle) commitState(batch *storage.Batch, next state) error {
	batch.PutObject(metaTable, stateKey, next)
	if err := batch.Commit(); err != nil {
		return err
	}
	o.st = next
	o.metrics.committers.Set(float64(len(next.Committers)))
	o.metrics.threshold.Set(float64(next.Threshold))
	return nil
}

// AddCommitter adds addr to the committer set. The first committer sets a zero threshold
// to 1. With bumpThreshold the threshold also grows by one, capped at the set size.
func (o *Oracle) AddCommitter(caller, addr common.Address, bumpThreshold bool) error {
	if err := o.OnlyOwner(caller); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return errors.Wrap(errs.ErrInvalidArgument, "zero committer address")
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.st.indexOf(addr) >= 0 {
		return errors.Wrapf(errs.ErrInvalidArgument, "%s is already a committer", addr.Hex())
	}
	next := o.st.clone()
	next.Committers = append(next.Committers, addr.Bytes())
	switch {
	case bumpThreshold:
		next.Threshold++
		o.logger.Warn("threshold bumped by committer add", "committer", addr.Hex(), "threshold", next.Threshold)
	case next.Threshold == 0:
		next.Threshold = 1
	}
	if n := uint64(len(next.Committers)); next.Threshold > n {
		next.Threshold = n
	}
	if err := o.saveState(next); err != nil {
		return err
	}
	o.logger.Info("committer added", "committer", addr.Hex(), "committers", len(next.Committers), "threshold", next.Threshold)
	return nil
}

// RemoveCommitter removes addr from the committer set. A threshold above the new set size
// is lowered to it. The committer's votes on unconfirmed blocks are withdrawn in the same
// write. Confirmed hashes are kept.
func (o *Oracle) RemoveCommitter(caller, addr common.Address) error {
	if err := o.OnlyOwner(caller); err != nil {
		return err
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	i := o.st.indexOf(addr)
	if i < 0 {
		return errors.Wrapf(errs.ErrInvalidArgument, "%s is not a committer", addr.Hex())
	}
	next := o.st.clone()
	next.Committers = append(next.Committers[:i], next.Committers[i+1:]...)
	if n := uint64(len(next.Committers)); next.Threshold > n {
		next.Threshold = n
	}
	batch := o.store.NewBatch()
	withdrawn, err := o.withdrawVotes(batch, addr)
	if err != nil {
		return err
	}
	if err := o.commitState(batch, next); err != nil {
		return err
	}
	o.logger.Info("committer removed", "committer", addr.Hex(), "committers", len(next.Committers),
		"threshold", next.Threshold, "withdrawn", withdrawn)
	return nil
}

// withdrawVotes stages the removal of committer's votes on unconfirmed blocks and the
// matching count decrements. It returns the number of votes withdrawn.
func (o *Oracle) withdrawVotes(batch *storage.Batch, committer common.Address) (int, error) {
	withdrawn := 0
	err := o.store.IteratePrefix(voteTable, committer.Bytes(), func(k, v []byte) error {
		if len(k) != common.AddressLength+8 {
			return errors.Wrapf(errs.ErrMalformedInput, "vote key of %d bytes", len(k))
		}
		number := storage.KeyUint64(k[common.AddressLength:])
		if _, ok, err := o.confirmedHash(number); err != nil || ok {
			return err
		}
		hash := common.BytesToHash(v)
		c, err := o.count(number, hash)
		if err != nil {
			return err
		}
		if c > 1 {
			batch.Put(countTable, countKey(number, hash), storage.Uint64Key(c-1))
		} else {
			batch.Delete(countTable, countKey(number, hash))
		}
		batch.Delete(voteTable, voteKey(committer, number))
		withdrawn++
		return nil
	})
	return withdrawn, err
}

// SetThreshold sets the number of votes needed to confirm. It must be positive and not
// exceed the committer count.
func (o *Oracle) SetThreshold(caller common.Address, threshold uint64) error {
	if err := o.OnlyOwner(caller); err != nil {
		return err
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	if threshold == 0 || threshold > uint64(len(o.st.Committers)) {
		return errors.Wrapf(errs.ErrInvalidArgument, "threshold %d with %d committers", threshold, len(o.st.Committers))
	}
	next := o.st.clone()
	next.Threshold = threshold
	return o.saveState(next)
}

// SetHeaderVerifier sets the only address allowed to call ApplyHeader.
func (o *Oracle) SetHeaderVerifier(caller, verifier common.Address) error {
	if err := o.OnlyOwner(caller); err != nil {
		return err
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	next := o.st.clone()
	next.Verifier = nil
	if verifier != (common.Address{}) {
		next.Verifier = verifier.Bytes()
	}
	return o.saveState(next)
}

// HeaderVerifier returns the configured header verifier, or the zero address.
func (o *Oracle) HeaderVerifier() common.Address {
	o.lock.Lock()
	defer o.lock.Unlock()
	return common.BytesToAddress(o.st.Verifier)
}

// BlockHash returns the confirmed hash of number, or the zero hash.
func (o *Oracle) BlockHash(number uint64) common.Hash {
	hash, _, err := o.confirmedHash(number)
	if err != nil {
		o.logger.Error("fail to read block hash", "number", number, "error", err)
	}
	return hash
}

// Header returns the stored header of number.
func (o *Oracle) Header(number uint64) (HeaderRecord, bool) {
	var rec headerRecord
	ok, err := o.store.GetObject(headerTable, storage.Uint64Key(number), &rec)
	if err != nil {
		o.logger.Error("fail to read header", "number", number, "error", err)
		return HeaderRecord{}, false
	}
	if !ok {
		return HeaderRecord{}, false
	}
	return rec.toHeader(), true
}

// StateRoot returns the state root of number, or the zero hash when no header is stored.
func (o *Oracle) StateRoot(number uint64) common.Hash {
	h, _ := o.Header(number)
	return h.StateRoot
}

// LastConfirmedHeader returns the stored header with the highest number, or a zero record.
func (o *Oracle) LastConfirmedHeader() HeaderRecord {
	o.lock.Lock()
	has, number := o.st.HasLastHeader, o.st.LastHeader
	o.lock.Unlock()
	if !has {
		return HeaderRecord{}
	}
	h, _ := o.Header(number)
	return h
}

// LastConfirmedBlock returns the highest confirmed number and its hash.
func (o *Oracle) LastConfirmedBlock() (uint64, common.Hash, bool) {
	o.lock.Lock()
	has, number := o.st.HasLastBlock, o.st.LastBlock
	o.lock.Unlock()
	if !has {
		return 0, common.Hash{}, false
	}
	return number, o.BlockHash(number), true
}

// Committers returns the committer set in insertion order.
func (o *Oracle) Committers() []common.Address {
	o.lock.Lock()
	defer o.lock.Unlock()
	out := make([]common.Address, len(o.st.Committers))
	for i, c := range o.st.Committers {
		out[i] = common.BytesToAddress(c)
	}
	return out
}

// IsCommitter reports whether addr may vote.
func (o *Oracle) IsCommitter(addr common.Address) bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.st.indexOf(addr) >= 0
}

// Threshold returns the number of votes needed to confirm.
func (o *Oracle) Threshold() uint64 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.st.Threshold
}

// CommitmentCount returns the number of live votes for (number, hash).
func (o *Oracle) CommitmentCount(number uint64, hash common.Hash) uint64 {
	c, err := o.count(number, hash)
	if err != nil {
		o.logger.Error("fail to read commitment count", "number", number, "error", err)
	}
	return c
}

// CommitterVote returns the live vote of committer at number, or the zero hash.
func (o *Oracle) CommitterVote(committer common.Address, number uint64) common.Hash {
	v, _, err := o.store.Get(voteTable, voteKey(committer, number))
	if err != nil {
		o.logger.Error("fail to read vote", "committer", committer.Hex(), "number", number, "error", err)
	}
	return common.BytesToHash(v)
}
