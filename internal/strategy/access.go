package strategy

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Roles are the privileged accounts of a strategy.
type Roles struct {
	Governance common.Address
	Strategist common.Address
	Keeper     common.Address
}

// AccessControl gates strategy entry points by caller address.
type AccessControl struct {
	mu     sync.RWMutex
	roles  Roles
	ledger common.Address
}

func NewAccessControl(roles Roles, ledger common.Address) (*AccessControl, error) {
	if roles.Governance == (common.Address{}) {
		return nil, fmt.Errorf("governance address required: %w", ErrInvalidConfiguration)
	}
	if ledger == (common.Address{}) {
		return nil, fmt.Errorf("ledger address required: %w", ErrInvalidConfiguration)
	}
	return &AccessControl{roles: roles, ledger: ledger}, nil
}

func (a *AccessControl) Roles() Roles {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roles
}

func (a *AccessControl) RequireGovernance(caller common.Address) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !isRole(caller, a.roles.Governance) {
		return fmt.Errorf("%s is not governance: %w", caller.Hex(), ErrUnauthorized)
	}
	return nil
}

// RequireAuthorized admits the strategist and governance.
func (a *AccessControl) RequireAuthorized(caller common.Address) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !isRole(caller, a.roles.Governance) && !isRole(caller, a.roles.Strategist) {
		return fmt.Errorf("%s is not strategist or governance: %w", caller.Hex(), ErrUnauthorized)
	}
	return nil
}

// RequireKeeper admits the keeper, the strategist and governance.
func (a *AccessControl) RequireKeeper(caller common.Address) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !isRole(caller, a.roles.Governance) && !isRole(caller, a.roles.Strategist) && !isRole(caller, a.roles.Keeper) {
		return fmt.Errorf("%s is not a keeper: %w", caller.Hex(), ErrUnauthorized)
	}
	return nil
}

func (a *AccessControl) RequireLedger(caller common.Address) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !isRole(caller, a.ledger) {
		return fmt.Errorf("%s is not the ledger: %w", caller.Hex(), ErrUnauthorized)
	}
	return nil
}

func (a *AccessControl) SetKeeper(caller, keeper common.Address) error {
	if err := a.RequireAuthorized(caller); err != nil {
		return err
	}
	if keeper == (common.Address{}) {
		return fmt.Errorf("keeper address required: %w", ErrInvalidConfiguration)
	}
	a.mu.Lock()
	a.roles.Keeper = keeper
	a.mu.Unlock()
	return nil
}

func (a *AccessControl) SetStrategist(caller, strategist common.Address) error {
	if err := a.RequireAuthorized(caller); err != nil {
		return err
	}
	if strategist == (common.Address{}) {
		return fmt.Errorf("strategist address required: %w", ErrInvalidConfiguration)
	}
	a.mu.Lock()
	a.roles.Strategist = strategist
	a.mu.Unlock()
	return nil
}

// isRole never matches the zero address so an unset role admits nobody.
func isRole(caller, role common.Address) bool {
	return caller != (common.Address{}) && caller == role
}
