package amc

import (
	"strconv"
	"strings"
)

// ArmingDetector decides whether an armed entry is still completing its
// arming cycle. The default implementation matches the most recent
// notification text against the phrase templates the relay is known to
// emit. This is a fragile, language-dependent signal; it is kept behind
// this interface so it can be replaced without touching the calculator.
type ArmingDetector interface {
	InProgress(e *Entry) bool
}

// phraseArmingDetector reproduces the observed relay behavior: an exact
// "arming started" phrase for the entry's own name demotes it to Arming,
// and an "arming finished" phrase, when it is the most recent, keeps the
// entry at its bit-derived state. Absence of information never demotes.
type phraseArmingDetector struct{}

func (phraseArmingDetector) InProgress(e *Entry) bool {
	if len(e.Notifications) == 0 {
		return false
	}
	msg := strings.TrimSpace(e.Notifications[0].Name)
	name := strings.TrimSpace(e.Name)
	switch msg {
	case "Inserimento " + name, "Inserimento Forzato " + name, "Arming " + name:
		return true
	case "Inserimento Concluso " + name, "Arming Finished " + name:
		return false
	}
	return false
}

// computeStates recomputes the derived arm state of every entry of one
// central, in place, and rebuilds the filter-id entity index. Returns true
// when anything is armed.
func computeStates(central *CentralState, detector ArmingDetector) bool {
	groups := entriesOf(central, SectionGroups)
	areas := entriesOf(central, SectionAreas)
	zones := entriesOf(central, SectionZones)
	outputs := entriesOf(central, SectionOutputs)

	central.Entities = map[string]*Entry{}
	for _, list := range [][]*Entry{zones, areas, groups, outputs} {
		for _, e := range list {
			e.FilterID = filterID(e.Group, e.Index)
			central.Entities[e.FilterID] = e
		}
	}

	armedAny := false
	for _, e := range append(append([]*Entry{}, groups...), areas...) {
		if e.States.On == 1 {
			e.Arm = Armed
			armedAny = true
		} else {
			e.Arm = Disarmed
		}
	}
	for _, e := range zones {
		if e.States.Armed == 1 && e.States.On == 1 {
			e.Arm = Armed
		} else {
			e.Arm = Disarmed
		}
	}
	central.ArmedAny = armedAny
	if !armedAny {
		return false
	}

	// Arming notifications exist only for areas; propagate down to the
	// zones they contain and up to the groups containing them.
	anyArming := false
	for _, area := range areas {
		if area.Arm != Armed || !detector.InProgress(area) {
			continue
		}
		area.Arm = Arming
		anyArming = true
		for _, zone := range zones {
			if zone.Arm == Armed && hasFilter(zone, area.FilterID) {
				zone.Arm = Arming
			}
		}
	}
	if anyArming {
		for _, group := range groups {
			if group.Arm != Armed {
				continue
			}
			for _, area := range areas {
				if area.Arm == Arming && hasFilter(area, group.FilterID) {
					group.Arm = Arming
					break
				}
			}
		}
	}

	for _, list := range [][]*Entry{groups, areas, zones} {
		for _, e := range list {
			if e.States.Anomaly != 1 {
				continue
			}
			switch e.Arm {
			case Arming:
				e.Arm = ArmingWithProblem
			case Armed:
				e.Arm = Triggered
			}
		}
	}
	return true
}

func entriesOf(central *CentralState, sectionIdx int) []*Entry {
	section, ok := central.Sections[sectionIdx]
	if !ok {
		return nil
	}
	entries := make([]*Entry, len(section.List))
	for i := range section.List {
		entries[i] = &section.List[i]
	}
	return entries
}

func hasFilter(e *Entry, id string) bool {
	for _, f := range e.Filters {
		if f == id {
			return true
		}
	}
	return false
}

func filterID(group, index int) string {
	return strconv.Itoa(group) + "." + strconv.Itoa(index)
}
