package client

import (
	"sync"
	"time"

	"github.com/robomo/pulse/gateway"
	"github.com/robomo/pulse/service"
)

// errorDisplayDuration is how long a surfaced error stays visible before it
// auto-dismisses.
const errorDisplayDuration = 5 * time.Second

// Notice is a transient error surfaced to the user.
type Notice struct {
	Message   string
	RequestID string
	Expires   time.Time
}

// Store reconciles inbound push updates with locally held UI state. Device
// snapshots replace each other wholesale; the selection, the visibility
// toggles and the open comparisons survive replacement because they are keyed
// by identity, never by reference into a stale list.
type Store struct {
	mu sync.Mutex

	devices       []gateway.Device
	byID          map[string]int
	useCaseValues []string
	useCase       string

	selectedID      string
	visibility      map[string]bool
	expandedCompare bool

	graphs  []GraphRecord
	notices []Notice

	connectedClients int
	transferSpeed    float64
	userInfo         service.UserInfo
	alerts           []Alert
}

// Alert mirrors the server's watch-expression match payload.
type Alert struct {
	RuleID   string `json:"ruleID"`
	DeviceID string `json:"deviceID"`
	Message  string `json:"message,omitempty"`
}

// NewStore returns an empty store with the "All" filter selected.
func NewStore() *Store {
	return &Store{
		byID:       make(map[string]int),
		visibility: make(map[string]bool),
		useCase:    gateway.UseCaseAll,
	}
}

// ApplyDevices replaces the device list with a fresh snapshot. The selection
// is re-derived by ID: present means refreshed, absent means retained
// unchanged, so a transient fetch hiccup never evicts the user's focus.
// Visibility entries default to visible for new IDs, keep explicit hides for
// surviving IDs and are dropped for IDs that left the snapshot.
func (s *Store) ApplyDevices(devices []gateway.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = devices
	s.byID = make(map[string]int, len(devices))
	for i, device := range devices {
		s.byID[device.ID] = i
	}

	visibility := make(map[string]bool, len(devices))
	for _, device := range devices {
		if hidden, ok := s.visibility[device.ID]; ok {
			visibility[device.ID] = hidden
			continue
		}
		visibility[device.ID] = true
	}
	s.visibility = visibility
}

// ApplyUseCaseValues replaces the filter options. When the currently chosen
// filter vanished from the options the store falls back to "All" rather than
// leaving a dangling selection.
func (s *Store) ApplyUseCaseValues(values []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useCaseValues = values
	for _, value := range values {
		if value == s.useCase {
			return
		}
	}
	s.useCase = gateway.UseCaseAll
}

// Devices returns the current snapshot.
func (s *Store) Devices() []gateway.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices
}

// UseCaseValues returns the current filter options.
func (s *Store) UseCaseValues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCaseValues
}

// UseCase returns the chosen filter.
func (s *Store) UseCase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCase
}

// SetUseCase records the chosen filter locally.
func (s *Store) SetUseCase(value string) {
	if value == "" {
		value = gateway.UseCaseAll
	}
	s.mu.Lock()
	s.useCase = value
	s.mu.Unlock()
}

// SelectDevice marks a device as the active selection.
func (s *Store) SelectDevice(id string) {
	s.mu.Lock()
	s.selectedID = id
	s.mu.Unlock()
}

// ClearSelection drops the active selection. Only explicit user action calls
// this; snapshot churn never does.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.selectedID = ""
	s.mu.Unlock()
}

// Selected returns the freshest record for the selected device. The boolean
// is false when nothing is selected; a selection whose device is missing from
// the current snapshot still reports its ID with a zero device.
func (s *Store) Selected() (gateway.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedID == "" {
		return gateway.Device{}, false
	}
	if i, ok := s.byID[s.selectedID]; ok {
		return s.devices[i], true
	}
	return gateway.Device{ID: s.selectedID}, true
}

// SelectedID returns the selected device ID, empty when none.
func (s *Store) SelectedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID
}

// SetVisible toggles a device row.
func (s *Store) SetVisible(id string, visible bool) {
	s.mu.Lock()
	s.visibility[id] = visible
	s.mu.Unlock()
}

// Visible reports whether a device row is shown. Unknown IDs default to
// visible.
func (s *Store) Visible(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	visible, ok := s.visibility[id]
	if !ok {
		return true
	}
	return visible
}

// SetCompareExpanded toggles the comparison panel.
func (s *Store) SetCompareExpanded(expanded bool) {
	s.mu.Lock()
	s.expandedCompare = expanded
	s.mu.Unlock()
}

// CompareExpanded reports the comparison panel state.
func (s *Store) CompareExpanded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expandedCompare
}

// ApplyHistoryReply appends a comparison graph from a correlated query reply.
func (s *Store) ApplyHistoryReply(reply service.HistoryReply) GraphRecord {
	record := GraphRecord{
		ID:           reply.RequestID,
		DeviceID:     reply.DeviceID,
		DeviceType:   reply.DeviceType,
		AttributeKey: reply.AttributeKey,
		Series:       reply.Values,
		ColorTag:     reply.ColorTag,
		CreatedAt:    reply.CreatedAt,
	}
	s.mu.Lock()
	s.graphs = append(s.graphs, record)
	s.mu.Unlock()
	return record
}

// AddGraph inserts a previously persisted comparison graph.
func (s *Store) AddGraph(record GraphRecord) {
	s.mu.Lock()
	s.graphs = append(s.graphs, record)
	s.mu.Unlock()
}

// RemoveGraph drops one comparison graph by ID.
func (s *Store) RemoveGraph(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.graphs[:0]
	for _, record := range s.graphs {
		if record.ID != id {
			kept = append(kept, record)
		}
	}
	s.graphs = kept
}

// Graphs returns the open comparison graphs.
func (s *Store) Graphs() []GraphRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GraphRecord, len(s.graphs))
	copy(out, s.graphs)
	return out
}

// ApplyError surfaces a server error with an auto-dismiss deadline.
func (s *Store) ApplyError(payload service.ErrorPayload) {
	s.mu.Lock()
	s.notices = append(s.notices, Notice{
		Message:   payload.Message,
		RequestID: payload.RequestID,
		Expires:   time.Now().Add(errorDisplayDuration),
	})
	s.mu.Unlock()
}

// Notices returns the errors still visible at the given instant and prunes
// the expired ones.
func (s *Store) Notices(now time.Time) []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.notices[:0]
	for _, notice := range s.notices {
		if notice.Expires.After(now) {
			kept = append(kept, notice)
		}
	}
	s.notices = kept
	out := make([]Notice, len(kept))
	copy(out, kept)
	return out
}

// SetConnectedClients records the broadcast live count.
func (s *Store) SetConnectedClients(count int) {
	s.mu.Lock()
	s.connectedClients = count
	s.mu.Unlock()
}

// ConnectedClients returns the last broadcast live count.
func (s *Store) ConnectedClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedClients
}

// SetTransferSpeed records the last pushed transfer speed in bytes/second.
func (s *Store) SetTransferSpeed(speed float64) {
	s.mu.Lock()
	s.transferSpeed = speed
	s.mu.Unlock()
}

// TransferSpeed returns the last pushed transfer speed.
func (s *Store) TransferSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferSpeed
}

// SetUserInfo records this connection's identity greeting.
func (s *Store) SetUserInfo(info service.UserInfo) {
	s.mu.Lock()
	s.userInfo = info
	s.mu.Unlock()
}

// UserInfo returns the connection greeting.
func (s *Store) UserInfo() service.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userInfo
}

// SetAlerts records the latest watch matches.
func (s *Store) SetAlerts(alerts []Alert) {
	s.mu.Lock()
	s.alerts = alerts
	s.mu.Unlock()
}

// Alerts returns the latest watch matches.
func (s *Store) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts
}
