package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall-clock reads so schedulers and proration math are
// testable against a fake.
type Clock interface {
	Now() time.Time
}

// Module provides the system clock.
var Module = fx.Provide(NewSystemClock)

type systemClock struct{}

func NewSystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }
