package model

import "outcome-exchange/internal/fixed"

type TransferKind string

const (
	TransferCredit  TransferKind = "CREDIT"  // balance += amount
	TransferDebit   TransferKind = "DEBIT"   // balance -= amount, requires available >= amount
	TransferLock    TransferKind = "LOCK"    // locked += amount, requires available >= amount
	TransferUnlock  TransferKind = "UNLOCK"  // locked -= amount
	TransferConsume TransferKind = "CONSUME" // balance -= amount and locked -= amount
)

type Transfer struct {
	UserID string       `json:"user_id"`
	Asset  Asset        `json:"asset"`
	Kind   TransferKind `json:"kind"`
	Amount fixed.Amount `json:"amount"`
}

// Batch is the unit of persistence. A store applies every row and transfer in
// a Batch or none of them. Transfers are applied in order, so a batch may
// credit an account and then debit it.
type Batch struct {
	Pools     []Pool
	Positions []Position
	Proposals []Proposal
	Transfers []Transfer
	Events    []Event
}

func (b *Batch) add(user string, asset Asset, kind TransferKind, amt fixed.Amount) {
	if amt.IsZero() {
		return
	}
	b.Transfers = append(b.Transfers, Transfer{UserID: user, Asset: asset, Kind: kind, Amount: amt})
}

func (b *Batch) Credit(user string, asset Asset, amt fixed.Amount) { b.add(user, asset, TransferCredit, amt) }
func (b *Batch) Debit(user string, asset Asset, amt fixed.Amount) { b.add(user, asset, TransferDebit, amt) }
func (b *Batch) Lock(user string, asset Asset, amt fixed.Amount) { b.add(user, asset, TransferLock, amt) }
func (b *Batch) Unlock(user string, asset Asset, amt fixed.Amount) { b.add(user, asset, TransferUnlock, amt) }
func (b *Batch) Consume(user string, asset Asset, amt fixed.Amount) { b.add(user, asset, TransferConsume, amt) }

func (b *Batch) Emit(ev Event) { b.Events = append(b.Events, ev) }

// Merge appends o's contents after b's.
func (b *Batch) Merge(o *Batch) {
	if o == nil {
		return
	}
	b.Pools = append(b.Pools, o.Pools...)
	b.Positions = append(b.Positions, o.Positions...)
	b.Proposals = append(b.Proposals, o.Proposals...)
	b.Transfers = append(b.Transfers, o.Transfers...)
	b.Events = append(b.Events, o.Events...)
}
