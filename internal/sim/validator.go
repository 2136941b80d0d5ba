package sim

import (
	"fmt"
	"math"
	"strings"

	"varygen/server/internal/state"
	"varygen/server/internal/worldmap"
)

// Collider is the map collaborator consumed by Move validation. The map file
// format lives outside the simulation; rooms hand the engine a ready grid.
type Collider interface {
	IsWalkable(x, y float64) bool
	Bounds() worldmap.Rect
}

// Config tunes gameplay rules enforced by the validator and engine.
type Config struct {
	TickRate             int
	ConflictTimeoutTicks uint64
	StartingBalance      int64
	MoveSpeed            float64
	MediationFeeMin      int64
	MediationFeeMax      int64
}

// DefaultConfig mirrors the original prototype's constants: 20 Hz updates,
// 1000 starting money, 200 px/s movement, 100-500 mediation fee.
func DefaultConfig() Config {
	return Config{
		TickRate:             20,
		ConflictTimeoutTicks: 50,
		StartingBalance:      1000,
		MoveSpeed:            200,
		MediationFeeMin:      100,
		MediationFeeMax:      500,
	}
}

func (c Config) normalized() Config {
	if c.TickRate <= 0 {
		c.TickRate = 20
	}
	if c.MoveSpeed <= 0 {
		c.MoveSpeed = 200
	}
	return c
}

// moveDestination resolves the authoritative endpoint of a move intent. The
// direction vector is normalized so clients cannot scale their own speed.
func moveDestination(p *state.Player, move *MoveCommand, cfg Config) (float64, float64) {
	length := math.Hypot(move.DX, move.DY)
	if length == 0 {
		return p.X, p.Y
	}
	step := cfg.MoveSpeed / float64(cfg.TickRate)
	return p.X + move.DX/length*step, p.Y + move.DY/length*step
}

// Validate checks a command against the current room state without mutating
// anything. Expected refusals come back as data; the engine applies only
// accepted commands.
func Validate(cmd Command, store *Store, collider Collider, cfg Config) Verdict {
	actor, ok := store.Player(cmd.ActorID)
	if !ok {
		return Reject(RejectUnknownActor, "actor not in room")
	}

	switch cmd.Type {
	case CommandMove:
		return validateMove(actor, cmd.Move, collider, cfg)
	case CommandCreateBusiness:
		return validateCreateBusiness(actor, cmd.CreateBusiness)
	case CommandProposeTransaction:
		return validateTransaction(actor, cmd.Transaction, store)
	case CommandInitiateConflict:
		return validateConflict(actor, cmd.Conflict, store)
	case CommandAssignMediator:
		return validateAssignMediator(actor, cmd.Mediator, store)
	case CommandSubmitStatements:
		return validateStatement(actor, cmd.Statement, store)
	case CommandResolveConflict:
		return validateResolve(actor, cmd.Resolve, store, cfg)
	case CommandLeave:
		return Accept()
	default:
		return Reject(RejectInvalidArgument, fmt.Sprintf("unknown command type %q", cmd.Type))
	}
}

func validateMove(actor *state.Player, move *MoveCommand, collider Collider, cfg Config) Verdict {
	if move == nil {
		return Reject(RejectInvalidArgument, "missing move payload")
	}
	x, y := moveDestination(actor, move, cfg)
	if collider == nil {
		return Accept()
	}
	if !collider.Bounds().Contains(x, y) {
		return Reject(RejectOutOfBounds, "destination outside room bounds")
	}
	if !collider.IsWalkable(x, y) {
		return Reject(RejectBlocked, "destination blocked by collision geometry")
	}
	return Accept()
}

func validateCreateBusiness(actor *state.Player, payload *CreateBusinessCommand) Verdict {
	if payload == nil {
		return Reject(RejectInvalidArgument, "missing business payload")
	}
	if strings.TrimSpace(payload.Name) == "" {
		return Reject(RejectInvalidArgument, "business name required")
	}
	if !state.KnownBusinessKind(payload.Kind) {
		return Reject(RejectInvalidArgument, fmt.Sprintf("unknown business kind %q", payload.Kind))
	}
	if actor.BusinessID != "" {
		return Reject(RejectInvalidArgument, "player already owns a business")
	}
	return Accept()
}

func validateTransaction(actor *state.Player, payload *TransactionCommand, store *Store) Verdict {
	if payload == nil {
		return Reject(RejectInvalidArgument, "missing transaction payload")
	}
	if payload.Quantity <= 0 {
		return Reject(RejectInvalidArgument, "quantity must be positive")
	}
	if payload.Price < 0 {
		return Reject(RejectInvalidArgument, "price must be non-negative")
	}
	if payload.FromBusiness == payload.ToBusiness {
		return Reject(RejectInvalidArgument, "businesses must differ")
	}
	seller, ok := store.Business(payload.FromBusiness)
	if !ok {
		return Reject(RejectNotFound, fmt.Sprintf("business %q not found", payload.FromBusiness))
	}
	buyer, ok := store.Business(payload.ToBusiness)
	if !ok {
		return Reject(RejectNotFound, fmt.Sprintf("business %q not found", payload.ToBusiness))
	}
	if actor.BusinessID != buyer.ID {
		return Reject(RejectInvalidArgument, "actor must own the buying business")
	}
	stock, ok := seller.Resources[payload.Resource]
	if !ok || stock.Quantity < payload.Quantity {
		return Reject(RejectInsufficientResources,
			fmt.Sprintf("seller holds %d of %q", stock.Quantity, payload.Resource))
	}
	if buyer.Balance < payload.Price {
		return Reject(RejectInsufficientFunds,
			fmt.Sprintf("buyer balance %d below price %d", buyer.Balance, payload.Price))
	}
	return Accept()
}

func validateConflict(actor *state.Player, payload *ConflictCommand, store *Store) Verdict {
	if payload == nil {
		return Reject(RejectInvalidArgument, "missing conflict payload")
	}
	switch payload.Kind {
	case state.ConflictBusinessDispute, state.ConflictContractViolation,
		state.ConflictResourceCompetition, state.ConflictTerritoryDispute:
	default:
		return Reject(RejectInvalidArgument, fmt.Sprintf("unknown conflict kind %q", payload.Kind))
	}
	if strings.TrimSpace(payload.Issue) == "" {
		return Reject(RejectInvalidArgument, "issue description required")
	}
	parties := conflictParties(actor.ID, payload.Parties)
	if len(parties) < 2 {
		return Reject(RejectInvalidArgument, "conflict needs at least two parties")
	}
	for _, id := range parties {
		party, ok := store.Player(id)
		if !ok {
			return Reject(RejectNotFound, fmt.Sprintf("party %q not in room", id))
		}
		if party.Role.IsMediator() && id != actor.ID {
			return Reject(RejectInvalidArgument, "mediators cannot be named as parties")
		}
	}
	if actor.Role.IsMediator() {
		return Reject(RejectInvalidArgument, "mediators cannot raise conflicts")
	}
	return Accept()
}

// conflictParties normalizes the party set: the actor is always included,
// duplicates are dropped, order of first appearance is preserved.
func conflictParties(actorID string, named []string) []string {
	out := make([]string, 0, len(named)+1)
	seen := map[string]bool{actorID: true}
	out = append(out, actorID)
	for _, id := range named {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func validateAssignMediator(actor *state.Player, payload *MediatorCommand, store *Store) Verdict {
	if payload == nil {
		return Reject(RejectInvalidArgument, "missing mediator payload")
	}
	if !actor.Role.IsMediator() {
		return Reject(RejectInvalidMediator, "actor is not a mediator")
	}
	conflict, ok := store.Conflict(payload.ConflictID)
	if !ok {
		return Reject(RejectNotFound, fmt.Sprintf("conflict %q not found", payload.ConflictID))
	}
	if conflict.Status != state.ConflictOpen {
		return Reject(RejectInvalidStatus, fmt.Sprintf("conflict is %s", conflict.Status))
	}
	if conflict.Involves(actor.ID) {
		return Reject(RejectInvalidMediator, "mediator is a party to the conflict")
	}
	return Accept()
}

func validateStatement(actor *state.Player, payload *StatementCommand, store *Store) Verdict {
	if payload == nil {
		return Reject(RejectInvalidArgument, "missing statement payload")
	}
	if strings.TrimSpace(payload.Text) == "" {
		return Reject(RejectInvalidArgument, "statement text required")
	}
	conflict, ok := store.Conflict(payload.ConflictID)
	if !ok {
		return Reject(RejectNotFound, fmt.Sprintf("conflict %q not found", payload.ConflictID))
	}
	if conflict.Status != state.ConflictAssignedToMediator {
		return Reject(RejectInvalidStatus, fmt.Sprintf("conflict is %s", conflict.Status))
	}
	if !conflict.Involves(actor.ID) {
		return Reject(RejectInvalidArgument, "only parties may submit statements")
	}
	if _, done := conflict.Statements[actor.ID]; done {
		return Reject(RejectDuplicate, "statement already on file")
	}
	return Accept()
}

func validateResolve(actor *state.Player, payload *ResolveCommand, store *Store, cfg Config) Verdict {
	if payload == nil {
		return Reject(RejectInvalidArgument, "missing resolution payload")
	}
	if !state.KnownResolutionMethod(payload.Method) {
		return Reject(RejectInvalidArgument, fmt.Sprintf("unknown resolution method %q", payload.Method))
	}
	if payload.Settlement < 0 {
		return Reject(RejectInvalidArgument, "settlement must be non-negative")
	}
	conflict, ok := store.Conflict(payload.ConflictID)
	if !ok {
		return Reject(RejectNotFound, fmt.Sprintf("conflict %q not found", payload.ConflictID))
	}
	if conflict.Status != state.ConflictAwaitingResolution {
		return Reject(RejectInvalidStatus, fmt.Sprintf("conflict is %s", conflict.Status))
	}
	if conflict.MediatorID != actor.ID {
		return Reject(RejectInvalidMediator, "actor is not the assigned mediator")
	}
	if payload.Fee != 0 && (payload.Fee < cfg.MediationFeeMin || payload.Fee > cfg.MediationFeeMax) {
		return Reject(RejectInvalidArgument,
			fmt.Sprintf("fee %d outside %d-%d", payload.Fee, cfg.MediationFeeMin, cfg.MediationFeeMax))
	}
	if payload.Settlement > 0 {
		source, ok := store.Business(payload.FromBusiness)
		if !ok {
			return Reject(RejectNotFound, fmt.Sprintf("business %q not found", payload.FromBusiness))
		}
		if _, ok := store.Business(payload.ToBusiness); !ok {
			return Reject(RejectNotFound, fmt.Sprintf("business %q not found", payload.ToBusiness))
		}
		if payload.FromBusiness == payload.ToBusiness {
			return Reject(RejectInvalidArgument, "settlement businesses must differ")
		}
		if source.Balance < payload.Settlement {
			return Reject(RejectInsufficientFunds,
				fmt.Sprintf("source balance %d below settlement %d", source.Balance, payload.Settlement))
		}
	}
	if payload.Fee > 0 {
		shares := feeShares(payload.Fee, len(conflict.Parties))
		for i, id := range conflict.Parties {
			party, ok := store.Player(id)
			if !ok {
				return Reject(RejectNotFound, fmt.Sprintf("party %q not in room", id))
			}
			if party.Balance < shares[i] {
				return Reject(RejectInsufficientFunds,
					fmt.Sprintf("party %q cannot cover fee share %d", id, shares[i]))
			}
		}
	}
	return Accept()
}

// feeShares splits the mediation fee evenly across parties; any remainder
// falls on the first party so totals always balance.
func feeShares(fee int64, parties int) []int64 {
	if parties <= 0 {
		return nil
	}
	shares := make([]int64, parties)
	base := fee / int64(parties)
	for i := range shares {
		shares[i] = base
	}
	shares[0] += fee % int64(parties)
	return shares
}
