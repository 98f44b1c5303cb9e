package amc

import "encoding/json"

// Command discriminators and well-known status strings used by the AMC
// cloud relay protocol.
const (
	CommandLoginUser     = "loginUser"
	CommandGetStates     = "getStates"
	CommandSetStates     = "setStates"
	CommandApplyPatch    = "applyPatch"
	CommandCheckCentrals = "checkCentrals"

	StatusOK           = "ok"
	StatusKO           = "ko"
	StatusError        = "error"
	StatusLoggedIn     = "Logged"
	StatusNotAvailable = "not available"

	MessagePleaseLogin = "not logged, please login"
)

// Section indexes within a central's data list.
const (
	SectionGroups        = 0
	SectionAreas         = 1
	SectionZones         = 2
	SectionOutputs       = 3
	SectionSystemStatus  = 4
	SectionNotifications = 5
	SectionUsers         = 7
)

// System-status entry indexes within the SectionSystemStatus list.
const (
	SystemStatusGSMSignal         = 0
	SystemStatusBattery           = 1
	SystemStatusPower             = 2
	SystemStatusPhoneLine         = 3
	SystemStatusPanelManipulation = 4
	SystemStatusLineManipulation  = 5
	SystemStatusPeripherals       = 6
	SystemStatusConnections       = 7
	SystemStatusWireless          = 8
	SystemStatusMobileNetwork     = 10
)

// ArmState is the derived arm/disarm status of an entry. It is computed
// locally and never transmitted.
type ArmState int

const (
	Disarmed ArmState = iota
	Arming
	ArmingWithProblem
	Armed
	Triggered
)

func (s ArmState) String() string {
	switch s {
	case Disarmed:
		return "Disarmed"
	case Arming:
		return "Arming"
	case ArmingWithProblem:
		return "ArmingWithProblem"
	case Armed:
		return "Armed"
	case Triggered:
		return "Triggered"
	default:
		return "Unknown"
	}
}

// StateBits holds the raw state flags of an entry as sent by the central.
type StateBits struct {
	Redalert   int  `json:"redalert,omitempty"`
	ShowHide   int  `json:"bit_showHide"`
	On         int  `json:"bit_on"`
	Excludable int  `json:"bit_exludable"`
	Armed      int  `json:"bit_armed"`
	Anomaly    int  `json:"anomaly"`
	Opened     int  `json:"bit_opened"`
	NotReady   int  `json:"bit_notReady"`
	Remote     bool `json:"remote,omitempty"`
	Progress   int  `json:"progress,omitempty"`
}

// Entry is one addressable item within a section: a group, area, zone,
// output or system status. Index is stable for the lifetime of a connection
// and is the patch-addressing key; ID is the stable external identity.
type Entry struct {
	Index         int                 `json:"index"`
	Name          string              `json:"name"`
	ID            int                 `json:"Id"`
	Group         int                 `json:"group,omitempty"`
	States        StateBits           `json:"states"`
	Filters       []string            `json:"filters,omitempty"`
	Notifications []NotificationEntry `json:"notifications,omitempty"`

	// FilterID and Arm are filled in by the derived-state calculator.
	FilterID string   `json:"-"`
	Arm      ArmState `json:"-"`
}

// Section is one typed list of entries within a central.
type Section struct {
	Index int     `json:"index"`
	Name  string  `json:"name"`
	List  []Entry `json:"list"`
}

// NotificationEntry is one event line from the central's notification feed.
type NotificationEntry struct {
	Name       string `json:"name"`
	Category   int    `json:"category"`
	ServerDate string `json:"serverDate"`
}

// UserEntry maps a PIN (the map key on the wire) to a user index and name.
type UserEntry struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	PIN   string `json:"-"`
}

// CentralResponse is the per-central payload of a getStates reply. Data is
// kept as raw JSON per section so each section can be decoded against its
// own shape (entry lists, notifications, the users map).
type CentralResponse struct {
	Status        string            `json:"status"`
	StatusID      int               `json:"statusID"`
	RealName      string            `json:"realName,omitempty"`
	ProtoVer      int               `json:"amcProtoVer,omitempty"`
	GeneralStates json.RawMessage   `json:"generalStates,omitempty"`
	Data          []json.RawMessage `json:"data,omitempty"`
	Returned      int               `json:"returned,omitempty"`
}

// User is the account object of a successful loginUser reply.
type User struct {
	Email     string `json:"email"`
	UserState string `json:"userState"`
	Token     string `json:"token"`
}

// Login carries the account credentials of a loginUser command.
type Login struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CentralRef selects a central by its credentials in a getStates command.
type CentralRef struct {
	CentralID       string `json:"centralID"`
	CentralUsername string `json:"centralUsername"`
	CentralPassword string `json:"centralPassword"`
}

// PatchOp is a single JSON-Patch style operation from an applyPatch frame.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Command is an outgoing frame. Unset optional fields are omitted from the
// wire encoding, never sent as nulls.
type Command struct {
	Command string `json:"command"`
	Data    *Login `json:"data,omitempty"`
	Token   string `json:"token,omitempty"`

	Centrals        []CentralRef `json:"centrals,omitempty"`
	CentralID       string       `json:"centralID,omitempty"`
	CentralUsername string       `json:"centralUsername,omitempty"`
	CentralPassword string       `json:"centralPassword,omitempty"`

	Group *int  `json:"group,omitempty"`
	Index *int  `json:"index,omitempty"`
	State *bool `json:"state,omitempty"`

	UserPIN string `json:"userPIN,omitempty"`
	UserIdx *int   `json:"userIdx,omitempty"`
}

// Response is an incoming frame. Command is the discriminator; the other
// fields are populated depending on it.
type Response struct {
	Command  string                     `json:"command"`
	Status   string                     `json:"status,omitempty"`
	Message  string                     `json:"message,omitempty"`
	Centrals map[string]CentralResponse `json:"centrals,omitempty"`
	User     *User                      `json:"user,omitempty"`
	Token    string                     `json:"token,omitempty"`
	Patch    []PatchOp                  `json:"patch,omitempty"`
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
