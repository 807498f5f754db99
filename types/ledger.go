package types

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// BlockReward is credited to the miner of every block above genesis.
var BlockReward = decimal.NewFromInt(2)

// Ledger maps addresses to non-negative balances. A Ledger is not safe for
// concurrent use.
type Ledger struct {
	balances map[string]decimal.Decimal
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]decimal.Decimal)}
}

// Balance returns the balance of addr, zero for unknown addresses.
func (l *Ledger) Balance(addr string) decimal.Decimal {
	return l.balances[addr]
}

// Credit adds v to addr.
func (l *Ledger) Credit(addr string, v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("credit of negative amount %s to %s", v, addr)
	}
	l.balances[addr] = l.balances[addr].Add(v)
	return nil
}

// Debit subtracts v from addr. If the result would be negative the ledger is
// left untouched and ErrInsufficientBalance is returned.
func (l *Ledger) Debit(addr string, v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("debit of negative amount %s from %s", v, addr)
	}
	bal := l.balances[addr]
	if bal.LessThan(v) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, addr, bal, v)
	}
	l.balances[addr] = bal.Sub(v)
	return nil
}

// Transfer moves v from one address to another.
func (l *Ledger) Transfer(from, to string, v decimal.Decimal) error {
	if err := l.Debit(from, v); err != nil {
		return err
	}
	return l.Credit(to, v)
}

// ApplyTx applies a transaction transfer.
func (l *Ledger) ApplyTx(tx *Transaction) error {
	v, err := tx.Amount()
	if err != nil {
		return err
	}
	return l.Transfer(tx.From, tx.To, v)
}

// RevertTx undoes ApplyTx.
func (l *Ledger) RevertTx(tx *Transaction) error {
	v, err := tx.Amount()
	if err != nil {
		return err
	}
	return l.Transfer(tx.To, tx.From, v)
}

// Len returns the number of known addresses.
func (l *Ledger) Len() int { return len(l.balances) }

// Addresses returns every known address in lexical order.
func (l *Ledger) Addresses() []string {
	addrs := make([]string, 0, len(l.balances))
	for addr := range l.balances {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Map returns the balances rendered as decimal strings.
func (l *Ledger) Map() map[string]string {
	m := make(map[string]string, len(l.balances))
	for addr, bal := range l.balances {
		m[addr] = bal.String()
	}
	return m
}

// Copy returns an independent copy of the ledger.
func (l *Ledger) Copy() *Ledger {
	cp := &Ledger{balances: make(map[string]decimal.Decimal, len(l.balances))}
	for addr, bal := range l.balances {
		cp.balances[addr] = bal
	}
	return cp
}
