package health

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/MrWong99/yasha/internal/resilience"
	"github.com/MrWong99/yasha/pkg/voice"
)

// ConnectionLookup finds the voice connection of a guild.
type ConnectionLookup interface {
	Get(guildID string) *voice.Connection
}

// VoiceReady fails unless the guild's voice connection exists and is ready.
func VoiceReady(r ConnectionLookup, guildID string) Checker {
	return Checker{
		Name: "voice",
		Check: func(context.Context) error {
			c := r.Get(guildID)
			if c == nil {
				return errors.New("not connected")
			}
			if !c.Ready() {
				return fmt.Errorf("connection is %s", c.Status())
			}
			return nil
		},
	}
}

// Executable fails when path cannot be resolved to an executable.
func Executable(name, path string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			_, err := exec.LookPath(path)
			return err
		},
	}
}

// Breaker fails while cb is open. A half-open breaker counts as healthy so
// that probe requests can get through. The check is optional: an open
// breaker degrades readiness.
func Breaker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	}
}
