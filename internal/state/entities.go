package state

// Role identifies a player's assigned role for the session. Mafia is hidden:
// public snapshots report it as RoleBusinessman and only the owning client
// learns the truth from its join response.
type Role string

const (
	RoleMediatorRupok  Role = "mediator_rupok"
	RoleMediatorShoron Role = "mediator_shoron"
	RoleBusinessman    Role = "businessman"
	RoleMafia          Role = "mafia"
)

// IsMediator reports whether the role may accept and resolve conflicts.
func (r Role) IsMediator() bool {
	return r == RoleMediatorRupok || r == RoleMediatorShoron
}

// Public returns the role as seen by other clients.
func (r Role) Public() Role {
	if r == RoleMafia {
		return RoleBusinessman
	}
	return r
}

// BusinessKind enumerates the trades a business can operate in.
type BusinessKind string

const (
	BusinessRetail        BusinessKind = "retail"
	BusinessTechnology    BusinessKind = "technology"
	BusinessManufacturing BusinessKind = "manufacturing"
	BusinessServices      BusinessKind = "services"
	BusinessFinance       BusinessKind = "finance"
)

// KnownBusinessKind reports whether the kind is one of the supported trades.
func KnownBusinessKind(k BusinessKind) bool {
	switch k {
	case BusinessRetail, BusinessTechnology, BusinessManufacturing, BusinessServices, BusinessFinance:
		return true
	default:
		return false
	}
}

// ConflictKind enumerates the dispute categories players can raise.
type ConflictKind string

const (
	ConflictBusinessDispute     ConflictKind = "business_dispute"
	ConflictContractViolation   ConflictKind = "contract_violation"
	ConflictResourceCompetition ConflictKind = "resource_competition"
	ConflictTerritoryDispute    ConflictKind = "territory_dispute"
)

// ConflictStatus tracks a conflict through its lifecycle. Transitions are
// monotonic: the rank never decreases.
type ConflictStatus string

const (
	ConflictOpen               ConflictStatus = "open"
	ConflictAssignedToMediator ConflictStatus = "assigned_to_mediator"
	ConflictAwaitingResolution ConflictStatus = "awaiting_resolution"
	ConflictResolved           ConflictStatus = "resolved"
	ConflictAbandoned          ConflictStatus = "abandoned"
)

// Rank orders statuses for the monotonicity invariant. Terminal states share
// the highest rank since neither may follow the other.
func (s ConflictStatus) Rank() int {
	switch s {
	case ConflictOpen:
		return 0
	case ConflictAssignedToMediator:
		return 1
	case ConflictAwaitingResolution:
		return 2
	case ConflictResolved, ConflictAbandoned:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the status permits no further transitions.
func (s ConflictStatus) Terminal() bool {
	return s == ConflictResolved || s == ConflictAbandoned
}

// ResolutionMethod is the mediator's chosen way of settling a conflict.
type ResolutionMethod string

const (
	ResolveByMediation   ResolutionMethod = "mediation"
	ResolveByArbitration ResolutionMethod = "arbitration"
	ResolveByNegotiation ResolutionMethod = "negotiation"
)

// KnownResolutionMethod reports whether the method is supported.
func KnownResolutionMethod(m ResolutionMethod) bool {
	switch m {
	case ResolveByMediation, ResolveByArbitration, ResolveByNegotiation:
		return true
	default:
		return false
	}
}

// Player is the authoritative record for a connected participant.
type Player struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Role       Role    `json:"role"`
	Balance    int64   `json:"balance"`
	Reputation int     `json:"reputation"`
	// BusinessID is a weak reference into the room's business map; empty when
	// the player owns no business.
	BusinessID string `json:"businessId,omitempty"`
}

// Resource is a named stock held by a business.
type Resource struct {
	Quantity  int   `json:"quantity"`
	UnitValue int64 `json:"unitValue"`
}

// Transaction is an immutable ledger record. It is only ever appended.
type Transaction struct {
	ID           string         `json:"id"`
	FromBusiness string         `json:"fromBusiness"`
	ToBusiness   string         `json:"toBusiness"`
	Resources    map[string]int `json:"resources,omitempty"`
	Amount       int64          `json:"amount"`
	Tick         uint64         `json:"tick"`
}

// LedgerLimit bounds the per-business transaction history. Older entries are
// dropped from the front once the cap is reached.
const LedgerLimit = 256

// Business is an authoritative venture owned by a player.
type Business struct {
	ID        string              `json:"id"`
	OwnerID   string              `json:"ownerId"`
	Name      string              `json:"name"`
	Kind      BusinessKind        `json:"kind"`
	X         float64             `json:"x"`
	Y         float64             `json:"y"`
	Balance   int64               `json:"balance"`
	Resources map[string]Resource `json:"resources,omitempty"`
	Ledger    []Transaction       `json:"ledger,omitempty"`
}

// AppendTransaction records a ledger entry, enforcing the bounded history.
func (b *Business) AppendTransaction(txn Transaction) {
	b.Ledger = append(b.Ledger, txn)
	if overflow := len(b.Ledger) - LedgerLimit; overflow > 0 {
		b.Ledger = append(b.Ledger[:0], b.Ledger[overflow:]...)
	}
}

// Resolution is the outcome a mediator applied to a conflict.
type Resolution struct {
	Method       ResolutionMethod `json:"method"`
	Settlement   int64            `json:"settlement"`
	FromBusiness string           `json:"fromBusiness,omitempty"`
	ToBusiness   string           `json:"toBusiness,omitempty"`
	Fee          int64            `json:"fee,omitempty"`
	Notes        string           `json:"notes,omitempty"`
}

// Conflict models a dispute between players from creation to settlement.
type Conflict struct {
	ID         string         `json:"id"`
	Kind       ConflictKind   `json:"kind"`
	Parties    []string       `json:"parties"`
	Issue      string         `json:"issue"`
	Status     ConflictStatus `json:"status"`
	MediatorID string         `json:"mediatorId,omitempty"`
	// Statements maps party id to their account of the dispute. The conflict
	// advances to awaiting_resolution once every party has one on file.
	Statements map[string]string `json:"statements,omitempty"`
	Outcome    *Resolution       `json:"outcome,omitempty"`
	// CreatedTick and ResolvedTick are authoritative tick stamps.
	CreatedTick  uint64 `json:"createdTick"`
	ResolvedTick uint64 `json:"resolvedTick,omitempty"`
	// DeadlineTick is the tick at which an open conflict is abandoned when no
	// mediator has accepted it. Zero once a mediator is assigned.
	DeadlineTick uint64 `json:"deadlineTick,omitempty"`
}

// Involves reports whether the player is one of the conflict's parties.
func (c *Conflict) Involves(playerID string) bool {
	for _, id := range c.Parties {
		if id == playerID {
			return true
		}
	}
	return false
}

// ClonePlayer returns an independent copy.
func ClonePlayer(p Player) Player {
	return p
}

// CloneBusiness returns a deep copy safe to hand across the tick boundary.
func CloneBusiness(b Business) Business {
	clone := b
	if len(b.Resources) > 0 {
		clone.Resources = make(map[string]Resource, len(b.Resources))
		for name, res := range b.Resources {
			clone.Resources[name] = res
		}
	}
	if len(b.Ledger) > 0 {
		clone.Ledger = make([]Transaction, len(b.Ledger))
		copy(clone.Ledger, b.Ledger)
		for i, txn := range clone.Ledger {
			clone.Ledger[i].Resources = copyIntMap(txn.Resources)
		}
	}
	return clone
}

// CloneConflict returns a deep copy safe to hand across the tick boundary.
func CloneConflict(c Conflict) Conflict {
	clone := c
	if len(c.Parties) > 0 {
		clone.Parties = append([]string(nil), c.Parties...)
	}
	if len(c.Statements) > 0 {
		clone.Statements = make(map[string]string, len(c.Statements))
		for id, text := range c.Statements {
			clone.Statements[id] = text
		}
	}
	if c.Outcome != nil {
		outcome := *c.Outcome
		clone.Outcome = &outcome
	}
	return clone
}

// CloneTransaction returns a deep copy of a ledger record.
func CloneTransaction(t Transaction) Transaction {
	clone := t
	clone.Resources = copyIntMap(t.Resources)
	return clone
}

func copyIntMap(src map[string]int) map[string]int {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
