package sim

import (
	"github.com/google/uuid"

	"varygen/server/internal/telemetry"
	"varygen/server/logging"
)

// Deps carries shared infrastructure dependencies required by the engine.
// IDSource overrides entity id generation; tests inject a counter to make
// full scenarios reproducible.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	Publisher logging.Publisher
	IDSource  func() string
}

func (d Deps) newID() string {
	if d.IDSource != nil {
		return d.IDSource()
	}
	return uuid.NewString()
}

func (d Deps) clock() logging.Clock {
	if d.Clock == nil {
		return logging.SystemClock{}
	}
	return d.Clock
}

func (d Deps) publisher() logging.Publisher {
	if d.Publisher == nil {
		return logging.NopPublisher()
	}
	return d.Publisher
}
