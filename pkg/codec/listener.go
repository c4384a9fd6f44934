package codec

import (
	"weak"
)

// componentListener adapts component notifications back into the controller.
// It holds a weak reference so that a component delivering tail work cannot
// keep a discarded controller alive.
type componentListener struct {
	controller weak.Pointer[Controller]
}

func newComponentListener(c *Controller) *componentListener {
	return &componentListener{
		controller: weak.Make(c),
	}
}

func (l *componentListener) OnWorkDone(items []*Work) {
	c := l.controller.Value()
	if c == nil {
		return
	}
	c.onWorkDone(items)
}

func (l *componentListener) OnTripped(results []SettingResult) {
	// extension point, not handled yet
}

func (l *componentListener) OnError(errorCode uint32) {
	// extension point, not handled yet
}
