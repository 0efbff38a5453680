package interp

// Step costs charged against a session's budget.
const (
	CostStatement  = uint64(1)
	CostTerminator = uint64(1)
	CostCall       = uint64(5)
	CostIntrinsic  = uint64(2)
	CostPerChunk   = uint64(1) // per 64 bytes moved by bulk memory intrinsics
	chunkSize      = 64
)

// StepMeter tracks the remaining step budget of a session.
type StepMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	disabled  bool
}

// NewStepMeter creates a meter with the given budget. A zero limit disables
// metering.
func NewStepMeter(limit uint64) *StepMeter {
	return &StepMeter{remaining: limit, limit: limit, disabled: limit == 0}
}

// Consume charges cost, failing with ResourceExhausted when the budget runs
// out.
func (sm *StepMeter) Consume(cost uint64) error {
	sm.consumed += cost
	if sm.disabled {
		return nil
	}
	if sm.remaining < cost {
		sm.remaining = 0
		return Errorf(KindResourceExhausted, "step limit of %d exceeded", sm.limit)
	}
	sm.remaining -= cost
	return nil
}

// ConsumeBytes charges a bulk memory operation over n bytes.
func (sm *StepMeter) ConsumeBytes(n uint64) error {
	return sm.Consume(CostIntrinsic + (n+chunkSize-1)/chunkSize*CostPerChunk)
}

// Remaining returns the unused budget.
func (sm *StepMeter) Remaining() uint64 { return sm.remaining }

// Consumed returns everything charged so far.
func (sm *StepMeter) Consumed() uint64 { return sm.consumed }

// Limit returns the budget the meter started with.
func (sm *StepMeter) Limit() uint64 { return sm.limit }

// IsExhausted reports whether the budget is spent.
func (sm *StepMeter) IsExhausted() bool { return !sm.disabled && sm.remaining == 0 }
