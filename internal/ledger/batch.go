package ledger

import "fmt"

// Op identifies an instruction type.
type Op string

const (
	OpAuthorize Op = "authorize"
	OpTransfer  Op = "transfer"
	OpWithdraw  Op = "withdraw"
)

// Instruction is one step of a Batch. Fields unused by an Op are empty.
type Instruction struct {
	Op            Op     `json:"op"`
	Signer        string `json:"signer"`
	Position      string `json:"position,omitempty"`
	NewController string `json:"new_controller,omitempty"`
	NewOwner      string `json:"new_owner,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	Amount        uint64 `json:"amount,omitempty"`
}

func (in Instruction) String() string {
	switch in.Op {
	case OpAuthorize:
		return fmt.Sprintf("authorize %s -> controller=%s owner=%s", in.Position, in.NewController, in.NewOwner)
	case OpTransfer:
		return fmt.Sprintf("transfer %d %s -> %s", in.Amount, in.From, in.To)
	case OpWithdraw:
		return fmt.Sprintf("withdraw %d %s -> %s", in.Amount, in.Position, in.To)
	}
	return string(in.Op)
}

// Batch is an ordered list of instructions applied atomically.
type Batch struct {
	Instructions []Instruction `json:"instructions"`
}

// TransferAuthority reassigns both roles of a position in one instruction.
// Moving only one role would let the previous holder take control back.
func (b *Batch) TransferAuthority(position, signer, newController, newOwner string) *Batch {
	b.Instructions = append(b.Instructions, Instruction{
		Op:            OpAuthorize,
		Signer:        signer,
		Position:      position,
		NewController: newController,
		NewOwner:      newOwner,
	})
	return b
}

// TransferFunds moves lamports between liquid accounts. Zero amounts are skipped.
func (b *Batch) TransferFunds(from, to string, amount uint64) *Batch {
	if amount == 0 {
		return b
	}
	b.Instructions = append(b.Instructions, Instruction{
		Op:     OpTransfer,
		Signer: from,
		From:   from,
		To:     to,
		Amount: amount,
	})
	return b
}

// Withdraw drains amount lamports from a matured position into to.
func (b *Batch) Withdraw(position, signer, to string, amount uint64) *Batch {
	b.Instructions = append(b.Instructions, Instruction{
		Op:       OpWithdraw,
		Signer:   signer,
		Position: position,
		To:       to,
		Amount:   amount,
	})
	return b
}

// Len returns the number of instructions.
func (b *Batch) Len() int { return len(b.Instructions) }
