/*
Package ledger tracks native-currency balances and describes payable calls.
It stands in for the host chain's own accounting: every value an operation attaches,
spends or refunds moves through Transfer, so the totals can be checked in tests.
*/
package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
)

// Call describes one invocation: who made it and how much native value it carries.
type Call struct {
	From  common.Address
	Value *uint256.Int
}

// NewCall returns a call from the given address with no attached value.
func NewCall(from common.Address) Call {
	return Call{From: from, Value: new(uint256.Int)}
}

// WithValue returns a copy of c carrying v.
func (c Call) WithValue(v *uint256.Int) Call {
	c.Value = new(uint256.Int).Set(v)
	return c
}

// Amount returns the attached value, treating nil as zero.
func (c Call) Amount() *uint256.Int {
	if c.Value == nil {
		return new(uint256.Int)
	}
	return c.Value
}

// Ledger is a set of balances guarded by a mutex.
type Ledger struct {
	lock     sync.Mutex
	balances map[common.Address]*uint256.Int
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[common.Address]*uint256.Int)}
}

// Balance returns a copy of the balance of addr.
func (l *Ledger) Balance(addr common.Address) *uint256.Int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return new(uint256.Int).Set(l.balance(addr))
}

func (l *Ledger) balance(addr common.Address) *uint256.Int {
	if b, ok := l.balances[addr]; ok {
		return b
	}
	return new(uint256.Int)
}

// Mint credits addr with amount out of thin air. Used for genesis funding and by
// simulated executors paying on a remote chain.
func (l *Ledger) Mint(addr common.Address, amount *uint256.Int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.balances[addr] = new(uint256.Int).Add(l.balance(addr), amount)
}

// Transfer moves amount from one address to another. It fails without changing any
// balance when the sender cannot cover the amount.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	fromBal := l.balance(from)
	if fromBal.Lt(amount) {
		return errors.Wrapf(errs.ErrInsufficientFunds, "%s holds %s, needs %s", from.Hex(), fromBal.ToBig().String(), amount.ToBig().String())
	}
	l.balances[from] = new(uint256.Int).Sub(fromBal, amount)
	l.balances[to] = new(uint256.Int).Add(l.balance(to), amount)
	return nil
}

// Total returns the sum of all balances. Transfers never change it.
func (l *Ledger) Total() *uint256.Int {
	l.lock.Lock()
	defer l.lock.Unlock()
	total := new(uint256.Int)
	for _, b := range l.balances {
		total.Add(total, b)
	}
	return total
}

// Sum adds up amounts. It reports false on overflow.
func Sum(amounts []*uint256.Int) (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, a := range amounts {
		if a == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, a); overflow {
			return nil, false
		}
	}
	return total, true
}
