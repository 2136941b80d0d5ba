package journal

import "fmt"

// ResyncReason records a single recovery miss that fed the policy.
type ResyncReason struct {
	Kind     string
	Sequence uint64
}

// ResyncSignal summarizes why a client should be pushed through a full
// snapshot resync instead of patch recovery.
type ResyncSignal struct {
	Misses  uint64
	Lookups uint64
	Reasons []ResyncReason
}

// Policy tracks keyframe recovery misses against total lookups and flips a
// pending flag once misses cross the threshold.
type Policy struct {
	lookups uint64
	misses  uint64
	pending bool
	reasons []ResyncReason
}

const missThresholdPerTenThousand = 1
const resyncReasonLimit = 8

func NewPolicy() *Policy {
	return &Policy{reasons: make([]ResyncReason, 0, resyncReasonLimit)}
}

func (p *Policy) NoteLookup() {
	if p == nil {
		return
	}
	if p.lookups == ^uint64(0) {
		p.lookups = p.lookups / 2
		p.misses = p.misses / 2
	}
	p.lookups++
}

func (p *Policy) NoteMiss(kind string, sequence uint64) {
	if p == nil {
		return
	}
	p.misses++
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Kind: kind, Sequence: sequence})
	}
	p.evaluate()
}

func (p *Policy) evaluate() {
	if p == nil || p.pending || p.misses == 0 {
		return
	}
	total := p.lookups
	if total == 0 {
		total = 1
	}
	if p.misses*10000 >= total*missThresholdPerTenThousand {
		p.pending = true
	}
}

func (p *Policy) Consume() (ResyncSignal, bool) {
	if p == nil || !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		Misses:  p.misses,
		Lookups: p.lookups,
		Reasons: append([]ResyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.lookups = 0
	p.misses = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

func (s ResyncSignal) Summary() string {
	if s.Misses == 0 && s.Lookups == 0 {
		return ""
	}
	return fmt.Sprintf("misses=%d lookups=%d reasons=%v", s.Misses, s.Lookups, s.Reasons)
}
