package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the full server configuration surface. Every field is a pure
// parameter; the only behavior here is bounds-checking at startup.
type Config struct {
	Addr string `env:"VARYGEN_ADDR" envDefault:":8080"`

	// Simulation cadence and room sizing.
	TickRate        int `env:"VARYGEN_TICK_RATE" envDefault:"20"`
	RoomCapacity    int `env:"VARYGEN_ROOM_CAPACITY" envDefault:"10"`
	MaxRooms        int `env:"VARYGEN_MAX_ROOMS" envDefault:"16"`
	CatchupMaxTicks int `env:"VARYGEN_CATCHUP_MAX_TICKS" envDefault:"4"`

	// Tick-count deadlines. All time-based logic is expressed in ticks so it
	// stays deterministic under manual tick advancement.
	ConflictTimeoutTicks uint64 `env:"VARYGEN_CONFLICT_TIMEOUT_TICKS" envDefault:"50"`
	ReconnectGraceTicks  uint64 `env:"VARYGEN_RECONNECT_GRACE_TICKS" envDefault:"200"`

	// Command intake limits.
	CommandCapacity int `env:"VARYGEN_COMMAND_CAPACITY" envDefault:"256"`
	PerActorLimit   int `env:"VARYGEN_PER_ACTOR_LIMIT" envDefault:"16"`

	// Reconciliation cadence.
	KeyframeInterval  int `env:"VARYGEN_KEYFRAME_INTERVAL" envDefault:"20"`
	KeyframeRetention int `env:"VARYGEN_KEYFRAME_RETENTION" envDefault:"32"`

	// Persistence collaborator.
	DatabasePath string `env:"VARYGEN_DB_PATH" envDefault:"varygen.db"`

	// Logging.
	LogFile  string `env:"VARYGEN_LOG_FILE" envDefault:""`
	LogLevel string `env:"VARYGEN_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces startup bounds. There is intentionally no behavioral
// branching here beyond range checks.
func (c Config) Validate() error {
	if c.TickRate < 1 || c.TickRate > 120 {
		return fmt.Errorf("tick rate %d outside 1..120", c.TickRate)
	}
	if c.RoomCapacity < 2 || c.RoomCapacity > 64 {
		return fmt.Errorf("room capacity %d outside 2..64", c.RoomCapacity)
	}
	if c.MaxRooms < 1 {
		return fmt.Errorf("max rooms %d must be positive", c.MaxRooms)
	}
	if c.CatchupMaxTicks < 1 {
		return fmt.Errorf("catchup max ticks %d must be positive", c.CatchupMaxTicks)
	}
	if c.ConflictTimeoutTicks == 0 {
		return fmt.Errorf("conflict timeout must be at least one tick")
	}
	if c.CommandCapacity < 1 {
		return fmt.Errorf("command capacity %d must be positive", c.CommandCapacity)
	}
	if c.PerActorLimit < 1 {
		return fmt.Errorf("per-actor limit %d must be positive", c.PerActorLimit)
	}
	if c.KeyframeInterval < 1 {
		return fmt.Errorf("keyframe interval %d must be positive", c.KeyframeInterval)
	}
	if c.KeyframeRetention < 1 {
		return fmt.Errorf("keyframe retention %d must be positive", c.KeyframeRetention)
	}
	return nil
}
