package dispatcher

import (
	"strings"

	"github.com/brainstack/brains/runtime/brain/actor"
	"github.com/brainstack/brains/runtime/brain/brainerr"
)

// resolve classifies q against the registered brain Definitions per spec.md
// §4.6: exact identifier match wins outright; failing that, an exact title
// match; failing that, a case-insensitive substring match against either. The
// returned error is brainerr.ErrBrainNotFound (zero candidates) or
// brainerr.ErrBrainAmbiguous (more than one), with candidates populated for
// the latter so the handler can render a 300 with a candidate list.
func (s *Server) resolve(q string) (actor.Definition, []actor.Definition, error) {
	defs := s.manager.Definitions()

	for _, d := range defs {
		if string(d.Ident) == q {
			return d, nil, nil
		}
	}

	var byTitle []actor.Definition
	for _, d := range defs {
		if d.Title == q {
			byTitle = append(byTitle, d)
		}
	}
	if len(byTitle) == 1 {
		return byTitle[0], nil, nil
	}
	if len(byTitle) > 1 {
		return actor.Definition{}, byTitle, brainerr.ErrBrainAmbiguous
	}

	lq := strings.ToLower(q)
	var fuzzy []actor.Definition
	for _, d := range defs {
		if strings.Contains(strings.ToLower(string(d.Ident)), lq) || strings.Contains(strings.ToLower(d.Title), lq) {
			fuzzy = append(fuzzy, d)
		}
	}
	switch len(fuzzy) {
	case 0:
		return actor.Definition{}, nil, brainerr.ErrBrainNotFound
	case 1:
		return fuzzy[0], nil, nil
	default:
		return actor.Definition{}, fuzzy, brainerr.ErrBrainAmbiguous
	}
}
