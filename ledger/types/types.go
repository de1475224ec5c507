package types

// TxStatus mirrors the ledger's receipt status field.
type TxStatus uint64

const (
	TxStatusFailed  TxStatus = 0
	TxStatusSuccess TxStatus = 1
)

// Receipt is the confirmation proof returned once a submitted transaction
// has accrued enough confirmations.
type Receipt struct {
	TxHash        string
	BlockNumber   uint64
	BlockHash     string
	Status        TxStatus
	Confirmations uint64
}

// Succeeded reports whether the transaction executed without a revert.
func (r *Receipt) Succeeded() bool { return r != nil && r.Status == TxStatusSuccess }
