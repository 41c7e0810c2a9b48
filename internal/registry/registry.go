package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeviceInfo holds the polling state of one discovered device
type DeviceInfo struct {
	Address     string
	AccessToken string
	StartedAt   time.Time

	mu           sync.RWMutex
	lastPolledAt time.Time
	lastError    string
	polls        int
	failures     int
}

// RecordSuccess marks a completed poll
func (d *DeviceInfo) RecordSuccess(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPolledAt = at
	d.lastError = ""
	d.polls++
}

// RecordFailure marks a failed poll
func (d *DeviceInfo) RecordFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.lastError = err.Error()
	}
	d.failures++
}

// LastPolledAt returns the time of the last successful poll
func (d *DeviceInfo) LastPolledAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastPolledAt
}

// Status returns a point-in-time copy suitable for serialization
func (d *DeviceInfo) Status() DeviceStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := DeviceStatus{
		Address:   d.Address,
		StartedAt: d.StartedAt,
		Polls:     d.polls,
		Failures:  d.failures,
		LastError: d.lastError,
	}
	if !d.lastPolledAt.IsZero() {
		t := d.lastPolledAt
		s.LastPolledAt = &t
	}
	return s
}

// DeviceStatus is the exported view of a DeviceInfo
type DeviceStatus struct {
	Address      string     `json:"ip"`
	StartedAt    time.Time  `json:"startedAt"`
	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`
	Polls        int        `json:"polls"`
	Failures     int        `json:"failures"`
	LastError    string     `json:"lastError,omitempty"`
}

// Manager tracks the set of devices that currently have a polling loop
type Manager struct {
	devices    map[string]*DeviceInfo // key: address
	mu         sync.RWMutex
	maxDevices int
}

// NewManager creates a new device registry
func NewManager(maxDevices int) *Manager {
	return &Manager{
		devices:    make(map[string]*DeviceInfo),
		maxDevices: maxDevices,
	}
}

// Register adds a device. An address can only be registered once.
func (m *Manager) Register(address, accessToken string) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[address]; exists {
		return nil, ErrAlreadyPolling
	}

	if len(m.devices) >= m.maxDevices {
		return nil, ErrMaxDevicesReached
	}

	info := &DeviceInfo{
		Address:     address,
		AccessToken: accessToken,
		StartedAt:   time.Now(),
	}
	m.devices[address] = info

	return info, nil
}

// Unregister removes a device
func (m *Manager) Unregister(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[address]; !exists {
		return fmt.Errorf("device %s not registered", address)
	}

	delete(m.devices, address)
	return nil
}

// Get retrieves device information by address
func (m *Manager) Get(address string) (*DeviceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, exists := m.devices[address]
	return info, exists
}

// GetStale returns addresses that have not completed a poll within timeout
// of either their last success or their registration.
func (m *Manager) GetStale(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var stale []string

	for address, info := range m.devices {
		last := info.LastPolledAt()
		if last.IsZero() {
			last = info.StartedAt
		}
		if now.Sub(last) > timeout {
			stale = append(stale, address)
		}
	}

	sort.Strings(stale)
	return stale
}

// Count returns the number of registered devices
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Addresses returns all registered addresses, sorted
func (m *Manager) Addresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addresses := make([]string, 0, len(m.devices))
	for address := range m.devices {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// Snapshot returns the status of every registered device, sorted by address
func (m *Manager) Snapshot() []DeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]DeviceStatus, 0, len(m.devices))
	for _, info := range m.devices {
		result = append(result, info.Status())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result
}

// Stats returns statistics about the registry
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{
		TotalDevices: len(m.devices),
		MaxDevices:   m.maxDevices,
	}
	for _, info := range m.devices {
		if !info.LastPolledAt().IsZero() {
			stats.ReportingDevices++
		}
	}
	return stats
}

// ManagerStats contains statistics about the registry
type ManagerStats struct {
	TotalDevices     int `json:"totalDevices"`
	ReportingDevices int `json:"reportingDevices"`
	MaxDevices       int `json:"maxDevices"`
}

var (
	ErrAlreadyPolling    = &RegistryError{"device is already being polled"}
	ErrMaxDevicesReached = &RegistryError{"maximum polled devices reached"}
)

// RegistryError represents a registry error
type RegistryError struct {
	msg string
}

func (e *RegistryError) Error() string {
	return e.msg
}
