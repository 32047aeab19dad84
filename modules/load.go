package modules

import (
	"github.com/go-faster/errors"

	"github.com/iota-uz/regflow/pkg/application"
)

// Load registers modules in order and stops at the first failure.
func Load(app application.Application, mods ...application.Module) error {
	for _, m := range mods {
		if err := m.Register(app); err != nil {
			return errors.Wrapf(err, "register module %q", m.Name())
		}
		app.Logger().WithField("module", m.Name()).Debug("module registered")
	}
	return nil
}
