// Package access implements single-owner authorization for administrative operations.
package access

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
)

// Ownable guards administrative operations behind one owner address.
type Ownable struct {
	lock  sync.RWMutex
	owner common.Address
}

// NewOwnable returns an Ownable owned by owner.
func NewOwnable(owner common.Address) *Ownable {
	return &Ownable{owner: owner}
}

// Owner returns the current owner.
func (o *Ownable) Owner() common.Address {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.owner
}

// OnlyOwner fails with errs.ErrUnauthorized unless caller is the owner.
func (o *Ownable) OnlyOwner(caller common.Address) error {
	o.lock.RLock()
	defer o.lock.RUnlock()
	if caller != o.owner {
		return errors.Wrapf(errs.ErrUnauthorized, "caller %s is not the owner", caller.Hex())
	}
	return nil
}

// TransferOwnership hands the owner role to newOwner. The zero address is rejected so the
// role cannot be lost by accident.
func (o *Ownable) TransferOwnership(caller, newOwner common.Address) error {
	if err := o.OnlyOwner(caller); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return errors.Wrap(errs.ErrInvalidArgument, "new owner is the zero address")
	}
	o.lock.Lock()
	o.owner = newOwner
	o.lock.Unlock()
	return nil
}
