package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vermut/amc2mqtt/internal/amc"
	"github.com/vermut/amc2mqtt/internal/cache"
	"github.com/vermut/amc2mqtt/internal/config"
	"github.com/vermut/amc2mqtt/internal/log"
	"github.com/vermut/amc2mqtt/internal/util"
)

// Panel owns one cloud client and presents the central's state to the
// bridge: entity lists for publishing, arm/disarm with default-PIN
// resolution, availability and identity, plus update fan-out.
type Panel struct {
	config *config.Config
	log    *log.Logger
	client *amc.Client

	mu           sync.Mutex
	listeners    []func()
	cached       *cache.Data
	lastNotified string
}

func NewPanel(cfg *config.Config, logger *log.Logger) *Panel {
	client := amc.NewClient(amc.Options{
		URL:             cfg.AMC.URL,
		Email:           cfg.AMC.Email,
		Password:        cfg.AMC.Password,
		CentralID:       cfg.AMC.CentralID,
		CentralUsername: cfg.AMC.CentralUsername,
		CentralPassword: cfg.AMC.CentralPassword,
	}, logger)

	p := &Panel{
		config: cfg,
		log:    logger,
		client: client,
	}
	client.OnDataChanged(p.onDataChanged)
	return p
}

// Connect validates the account and central credentials by logging in and
// fetching the first full snapshot.
func (p *Panel) Connect(ctx context.Context) error {
	p.log.Info("Connecting to AMC cloud...")
	if err := p.client.Connect(ctx); err != nil {
		p.log.Error("Failed to connect to AMC cloud: %v", err)
		return fmt.Errorf("failed to connect to AMC cloud: %v", err)
	}
	p.log.Info("Connected, central %s (%s)", p.RealName(), p.Model())
	return nil
}

// Start launches the periodic refresh loop. Connect must have succeeded.
func (p *Panel) Start(ctx context.Context) {
	interval := time.Duration(p.config.AMC.QueryInterval) * time.Second
	p.log.Debug("Starting refresh loop, interval %s", interval)
	go p.refreshLoop(ctx, interval)
}

func (p *Panel) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.client.RequestRefresh()
		}
	}
}

// OnUpdate registers a listener invoked on every meaningful state change.
func (p *Panel) OnUpdate(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Panel) onDataChanged() {
	p.logNewNotifications()

	p.mu.Lock()
	listeners := append([]func(){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// logNewNotifications writes the most recent central notification to the
// log once per distinct line.
func (p *Panel) logNewNotifications() {
	notifications := p.client.Parser().Notifications(p.config.AMC.CentralID)
	if len(notifications) == 0 {
		return
	}
	latest := notifications[0]
	p.mu.Lock()
	seen := p.lastNotified == latest.Name+latest.ServerDate
	if !seen {
		p.lastNotified = latest.Name + latest.ServerDate
	}
	p.mu.Unlock()
	if !seen {
		p.log.Central("%s", util.Normalize(latest.Name))
	}
}

func (p *Panel) section(index int) []amc.Entry {
	var section *amc.Section
	parser := p.client.Parser()
	switch index {
	case amc.SectionGroups:
		section = parser.Groups(p.config.AMC.CentralID)
	case amc.SectionAreas:
		section = parser.Areas(p.config.AMC.CentralID)
	case amc.SectionZones:
		section = parser.Zones(p.config.AMC.CentralID)
	case amc.SectionOutputs:
		section = parser.Outputs(p.config.AMC.CentralID)
	case amc.SectionSystemStatus:
		section = parser.SystemStatuses(p.config.AMC.CentralID)
	default:
		return nil
	}
	entries := make([]amc.Entry, len(section.List))
	copy(entries, section.List)
	for i := range entries {
		entries[i].Name = util.Normalize(entries[i].Name)
	}
	return entries
}

func (p *Panel) Groups() []amc.Entry         { return p.section(amc.SectionGroups) }
func (p *Panel) Areas() []amc.Entry          { return p.section(amc.SectionAreas) }
func (p *Panel) Zones() []amc.Entry          { return p.section(amc.SectionZones) }
func (p *Panel) Outputs() []amc.Entry        { return p.section(amc.SectionOutputs) }
func (p *Panel) SystemStatuses() []amc.Entry { return p.section(amc.SectionSystemStatus) }

// Arm requests the given group or area to arm and waits for the central to
// confirm the change.
func (p *Panel) Arm(ctx context.Context, group, index int) error {
	return p.setState(ctx, group, index, true)
}

// Disarm requests the given group or area to disarm and waits for the
// central to confirm the change.
func (p *Panel) Disarm(ctx context.Context, group, index int) error {
	return p.setState(ctx, group, index, false)
}

func (p *Panel) setState(ctx context.Context, group, index int, state bool) error {
	pin, err := p.defaultPIN()
	if err != nil {
		return err
	}
	confirmed, err := p.client.SetStates(ctx, group, index, state, pin)
	if err != nil {
		return err
	}
	if confirmed != state {
		return fmt.Errorf("central reported state %v after requesting %v", confirmed, state)
	}
	return nil
}

// defaultPIN resolves the configured default user index to its PIN when the
// central demands one.
func (p *Panel) defaultPIN() (string, error) {
	if !p.client.PinRequired() {
		return "", nil
	}
	userIndex := p.config.AMC.UserIndex
	if userIndex < 0 {
		return "", fmt.Errorf("central requires a PIN but no default user_index is configured")
	}
	pin, ok := p.client.Parser().UserPINByIndex(p.config.AMC.CentralID, userIndex)
	if !ok {
		return "", fmt.Errorf("no user with index %d on central, reconfigure user_index", userIndex)
	}
	return pin, nil
}

func (p *Panel) Available() bool {
	return p.client.DeviceAvailable()
}

func (p *Panel) ArmedAny() bool {
	return p.client.ArmedAny()
}

func (p *Panel) CentralID() string {
	return p.config.AMC.CentralID
}

func (p *Panel) RealName() string {
	if name := p.client.Parser().RealName(p.CentralID()); name != "" {
		return name
	}
	if c := p.cachedData(); c != nil {
		return c.RealName
	}
	return p.CentralID()
}

func (p *Panel) Model() string {
	if model := p.client.Parser().Model(p.CentralID()); model != "" {
		return model
	}
	if c := p.cachedData(); c != nil {
		return c.Model
	}
	return ""
}

func (p *Panel) Version() string {
	if version := p.client.Parser().Version(p.CentralID()); version != "" {
		return version
	}
	if c := p.cachedData(); c != nil {
		return c.Version
	}
	return ""
}

func (p *Panel) cachedData() *cache.Data {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// SetCachedData seeds the panel with the layout from a previous run, so
// discovery can happen before the first cloud round-trip.
func (p *Panel) SetCachedData(data *cache.Data) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = data
}

// CacheableData extracts the current layout for persisting across runs.
func (p *Panel) CacheableData() *cache.Data {
	data := &cache.Data{
		CentralID:  p.CentralID(),
		RealName:   p.RealName(),
		Model:      p.Model(),
		Version:    p.Version(),
		LastUpdate: time.Now(),
	}
	for _, e := range p.Groups() {
		data.Groups = append(data.Groups, cacheEntry(e))
	}
	for _, e := range p.Areas() {
		data.Areas = append(data.Areas, cacheEntry(e))
	}
	for _, e := range p.Zones() {
		data.Zones = append(data.Zones, cacheEntry(e))
	}
	for _, e := range p.Outputs() {
		data.Outputs = append(data.Outputs, cacheEntry(e))
	}
	return data
}

func cacheEntry(e amc.Entry) cache.Entry {
	return cache.Entry{ID: e.ID, Index: e.Index, Group: e.Group, Name: e.Name}
}

// Diagnostics returns the support snapshot for publishing: connection and
// correlator state plus the raw server payload. Credentials are not
// included.
func (p *Panel) Diagnostics() map[string]interface{} {
	return map[string]interface{}{
		"central_id": p.CentralID(),
		"connection": p.client.Diagnostics(),
		"raw_states": p.client.RawTree(),
	}
}

func (p *Panel) Disconnect() {
	p.log.Info("Disconnecting from AMC cloud...")
	p.client.Disconnect()
	p.log.Info("Disconnected from AMC cloud")
}
