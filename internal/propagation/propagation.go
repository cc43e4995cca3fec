// Package propagation implements rotation.ConfigUpdater: the hook that pushes
// a newly staged credential to the systems that must start accepting it
// before the rotation is promoted.
//
// Every updater must tolerate being called again with the same fields, since
// setSecret is retried by the scheduler.
package propagation

import (
	"context"
	"fmt"
	"sort"

	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// Updater is a named rotation.ConfigUpdater.
type Updater interface {
	rotation.ConfigUpdater
	Name() string
}

// Log records that propagation would happen and changes nothing.
type Log struct {
	logger *logging.Logger
}

// NewLog creates the default updater.
func NewLog(logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Log{logger: logger}
}

// Name returns "log".
func (l *Log) Name() string {
	return "log"
}

// UpdateConfiguration implements rotation.ConfigUpdater.
func (l *Log) UpdateConfiguration(ctx context.Context, secretID string, fields map[string]string) error {
	l.logger.Info("Pending version of %s is ready for propagation (fields: %v)", secretID, fieldNames(fields))
	return nil
}

// Multi calls several updaters in order and stops at the first failure.
type Multi struct {
	updaters []Updater
}

// NewMulti creates a fan-out updater.
func NewMulti(updaters ...Updater) *Multi {
	return &Multi{updaters: updaters}
}

// Name lists the wrapped updaters.
func (m *Multi) Name() string {
	name := "multi("
	for i, u := range m.updaters {
		if i > 0 {
			name += ","
		}
		name += u.Name()
	}
	return name + ")"
}

// UpdateConfiguration implements rotation.ConfigUpdater.
func (m *Multi) UpdateConfiguration(ctx context.Context, secretID string, fields map[string]string) error {
	for _, u := range m.updaters {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.UpdateConfiguration(ctx, secretID, fields); err != nil {
			return fmt.Errorf("%s: %w", u.Name(), err)
		}
	}
	return nil
}

func fieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
