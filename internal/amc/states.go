package amc

import (
	"fmt"
	"strings"
)

// CentralState is the typed view of one central, rebuilt from the raw tree
// after every snapshot or patch batch.
type CentralState struct {
	Status        string
	StatusID      int
	RealName      string
	ProtoVer      int
	Sections      map[int]*Section
	Notifications []NotificationEntry
	Users         map[string]UserEntry

	// ArmedAny and Entities are filled in by the derived-state calculator.
	ArmedAny bool
	Entities map[string]*Entry
}

// buildCentralState decodes the raw per-section payloads of a getStates
// reply into a typed central state.
func buildCentralState(cr CentralResponse) (*CentralState, error) {
	cs := &CentralState{
		Status:   cr.Status,
		StatusID: cr.StatusID,
		RealName: cr.RealName,
		ProtoVer: cr.ProtoVer,
		Sections: map[int]*Section{},
		Entities: map[string]*Entry{},
	}
	for _, raw := range cr.Data {
		idx, err := sectionIndex(raw)
		if err != nil {
			return nil, err
		}
		switch idx {
		case SectionUsers:
			users, err := decodeUsers(raw)
			if err != nil {
				return nil, err
			}
			cs.Users = users
		case SectionNotifications:
			notifications, err := decodeNotifications(raw)
			if err != nil {
				return nil, err
			}
			cs.Notifications = notifications
		default:
			section, err := decodeSection(raw)
			if err != nil {
				return nil, err
			}
			cs.Sections[idx] = &section
		}
	}
	return cs, nil
}

// buildStates decodes every central of a getStates reply.
func buildStates(centrals map[string]CentralResponse) (map[string]*CentralState, error) {
	states := make(map[string]*CentralState, len(centrals))
	for id, cr := range centrals {
		cs, err := buildCentralState(cr)
		if err != nil {
			return nil, fmt.Errorf("central %s: %v", id, err)
		}
		states[id] = cs
	}
	return states, nil
}

// StatesParser is a read-only typed view over the parsed central states.
// Section lookups are tolerant: a missing section yields an empty sentinel.
// Entry lookups are strict: asking for an unknown entry id is an error,
// because callers only ask for entries they already know exist.
type StatesParser struct {
	states map[string]*CentralState
}

func NewStatesParser(states map[string]*CentralState) *StatesParser {
	return &StatesParser{states: states}
}

func (p *StatesParser) States() map[string]*CentralState {
	return p.states
}

var emptySection = Section{Name: "_none"}

func (p *StatesParser) section(centralID string, index int) *Section {
	central, ok := p.states[centralID]
	if !ok {
		s := emptySection
		return &s
	}
	section, ok := central.Sections[index]
	if !ok {
		s := emptySection
		return &s
	}
	return section
}

func (p *StatesParser) entry(centralID string, sectionIndex, entryID int) (*Entry, error) {
	section := p.section(centralID, sectionIndex)
	for i := range section.List {
		if section.List[i].ID == entryID {
			return &section.List[i], nil
		}
	}
	return nil, fmt.Errorf("central %s: no entry %d in section %d", centralID, entryID, sectionIndex)
}

func (p *StatesParser) Groups(centralID string) *Section {
	return p.section(centralID, SectionGroups)
}

func (p *StatesParser) Group(centralID string, entryID int) (*Entry, error) {
	return p.entry(centralID, SectionGroups, entryID)
}

func (p *StatesParser) Areas(centralID string) *Section {
	return p.section(centralID, SectionAreas)
}

func (p *StatesParser) Area(centralID string, entryID int) (*Entry, error) {
	return p.entry(centralID, SectionAreas, entryID)
}

func (p *StatesParser) Zones(centralID string) *Section {
	return p.section(centralID, SectionZones)
}

func (p *StatesParser) Zone(centralID string, entryID int) (*Entry, error) {
	return p.entry(centralID, SectionZones, entryID)
}

func (p *StatesParser) Outputs(centralID string) *Section {
	return p.section(centralID, SectionOutputs)
}

func (p *StatesParser) Output(centralID string, entryID int) (*Entry, error) {
	return p.entry(centralID, SectionOutputs, entryID)
}

func (p *StatesParser) SystemStatuses(centralID string) *Section {
	return p.section(centralID, SectionSystemStatus)
}

// SystemStatus looks up a system-status line by its entry index (these
// entries have no stable external id).
func (p *StatesParser) SystemStatus(centralID string, entryIndex int) (*Entry, error) {
	section := p.SystemStatuses(centralID)
	for i := range section.List {
		if section.List[i].Index == entryIndex {
			return &section.List[i], nil
		}
	}
	return nil, fmt.Errorf("central %s: no system status entry %d", centralID, entryIndex)
}

func (p *StatesParser) Notifications(centralID string) []NotificationEntry {
	if central, ok := p.states[centralID]; ok {
		return central.Notifications
	}
	return nil
}

// Users returns the PIN-keyed user directory, or nil when the central did
// not send one.
func (p *StatesParser) Users(centralID string) map[string]UserEntry {
	if central, ok := p.states[centralID]; ok {
		return central.Users
	}
	return nil
}

// UserByPIN resolves a PIN to its user entry. The zero return with ok=false
// means the PIN is unknown.
func (p *StatesParser) UserByPIN(centralID, pin string) (UserEntry, bool) {
	if pin == "" {
		return UserEntry{}, false
	}
	user, ok := p.Users(centralID)[pin]
	if !ok {
		return UserEntry{}, false
	}
	user.PIN = pin
	return user, true
}

// UserPINByIndex is the reverse lookup, used to resolve a configured
// default user to its PIN.
func (p *StatesParser) UserPINByIndex(centralID string, userIndex int) (string, bool) {
	if userIndex < 0 {
		return "", false
	}
	for pin, user := range p.Users(centralID) {
		if user.Index == userIndex {
			return pin, true
		}
	}
	return "", false
}

func (p *StatesParser) RealName(centralID string) string {
	if central, ok := p.states[centralID]; ok {
		return central.RealName
	}
	return ""
}

func (p *StatesParser) Status(centralID string) string {
	if central, ok := p.states[centralID]; ok {
		return central.Status
	}
	return ""
}

func (p *StatesParser) StatusIsError(centralID string) bool {
	central, ok := p.states[centralID]
	if !ok {
		return true
	}
	return central.StatusID != 1
}

// Model guesses the panel model from the status string, which reads like
// "AMC X864V/4.10".
func (p *StatesParser) Model(centralID string) string {
	status := p.Status(centralID)
	fields := strings.Fields(status)
	if len(fields) == 0 {
		return ""
	}
	return strings.SplitN(fields[len(fields)-1], "/", 2)[0]
}

// Version guesses the firmware version from the status string.
func (p *StatesParser) Version(centralID string) string {
	status := p.Status(centralID)
	if i := strings.LastIndex(status, "/"); i >= 0 {
		return status[i+1:]
	}
	return ""
}

func (p *StatesParser) ArmedAny(centralID string) bool {
	if central, ok := p.states[centralID]; ok {
		return central.ArmedAny
	}
	return false
}
