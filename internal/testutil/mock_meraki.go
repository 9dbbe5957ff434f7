// Package testutil provides a mock dashboard API for tests.
package testutil

import (
	"github.com/goccy/go-json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// Record is one JSON object served by the mock.
type Record = map[string]any

// MockMeraki is a configurable in-process dashboard API. Listings honour
// perPage and startingAfter the way the real API does.
type MockMeraki struct {
	server *httptest.Server

	mu            sync.Mutex
	organizations []Record
	networks      map[string][]Record
	inventory     map[string][]Record
	clients       map[string][]Record
	unsupported   map[string]bool
	rateLimited   map[string]int
	delays        map[string]time.Duration
	failing       map[string]int
	requests      map[string]int
	total         int
	lastAPIKey    string
}

// NewMockMeraki starts a mock server. Close it when done.
func NewMockMeraki() *MockMeraki {
	m := &MockMeraki{
		networks:    make(map[string][]Record),
		inventory:   make(map[string][]Record),
		clients:     make(map[string][]Record),
		unsupported: make(map[string]bool),
		rateLimited: make(map[string]int),
		delays:      make(map[string]time.Duration),
		failing:     make(map[string]int),
		requests:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /organizations", m.handleOrganizations)
	mux.HandleFunc("GET /organizations/{org}", m.handleOrganization)
	mux.HandleFunc("GET /organizations/{org}/networks", m.handleNetworks)
	mux.HandleFunc("GET /organizations/{org}/inventory/devices", m.handleInventory)
	mux.HandleFunc("GET /networks/{network}/clients", m.handleClients)

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.total++
		m.requests[r.URL.Path]++
		m.lastAPIKey = r.Header.Get("X-Cisco-Meraki-API-Key")
		m.mu.Unlock()

		mux.ServeHTTP(w, r)
	}))

	return m
}

// URL returns the base URL to configure the client with.
func (m *MockMeraki) URL() string {
	return m.server.URL
}

// Close shuts down the server.
func (m *MockMeraki) Close() {
	m.server.Close()
}

// AddOrganization registers an organization.
func (m *MockMeraki) AddOrganization(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations = append(m.organizations, Record{"id": id, "name": name})
}

// SetNetworks replaces an organization's networks.
func (m *MockMeraki) SetNetworks(orgID string, networks ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks[orgID] = networks
}

// SetInventory replaces an organization's inventory devices.
func (m *MockMeraki) SetInventory(orgID string, devices ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory[orgID] = devices
}

// SetClients replaces the clients served for a network, for any window.
func (m *MockMeraki) SetClients(networkID string, clients ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[networkID] = clients
}

// SetUnsupported makes client listings for networkID fail with
// 400 "invalid device type".
func (m *MockMeraki) SetUnsupported(networkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsupported[networkID] = true
}

// SetRateLimited makes the next n requests to path answer 429.
func (m *MockMeraki) SetRateLimited(path string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited[path] = n
}

// SetFailing makes the next n requests to path answer 500.
func (m *MockMeraki) SetFailing(path string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[path] = n
}

// SetDelay delays every response for path by d, or until the request is
// abandoned.
func (m *MockMeraki) SetDelay(path string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[path] = d
}

// RequestCount returns the number of requests served.
func (m *MockMeraki) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// PathCount returns the number of requests made to path.
func (m *MockMeraki) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// LastAPIKey returns the API key header of the latest request.
func (m *MockMeraki) LastAPIKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAPIKey
}

// intercept applies configured delays and injected failures. It reports
// whether the response has already been written.
func (m *MockMeraki) intercept(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	m.mu.Lock()
	delay := m.delays[path]
	limited := m.rateLimited[path] > 0
	if limited {
		m.rateLimited[path]--
	}
	failing := !limited && m.failing[path] > 0
	if failing {
		m.failing[path]--
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return true
		}
	}

	switch {
	case limited:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, Record{"errors": []string{"API rate limit exceeded for organization"}})
		return true
	case failing:
		writeJSON(w, http.StatusInternalServerError, Record{"errors": []string{"internal error"}})
		return true
	}
	return false
}

func (m *MockMeraki) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	m.mu.Lock()
	orgs := append([]Record(nil), m.organizations...)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, orgs)
}

func (m *MockMeraki) handleOrganization(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	id := r.PathValue("org")

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, org := range m.organizations {
		if org["id"] == id {
			writeJSON(w, http.StatusOK, org)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, Record{"errors": []string{"Organization not found"}})
}

func (m *MockMeraki) handleNetworks(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	m.mu.Lock()
	networks := m.networks[r.PathValue("org")]
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, page(r, networks, "id"))
}

func (m *MockMeraki) handleInventory(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	m.mu.Lock()
	devices := m.inventory[r.PathValue("org")]
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, page(r, devices, "serial"))
}

func (m *MockMeraki) handleClients(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	network := r.PathValue("network")
	q := r.URL.Query()
	if q.Get("t0") == "" || q.Get("t1") == "" {
		writeJSON(w, http.StatusBadRequest, Record{"errors": []string{"t0 and t1 are required"}})
		return
	}

	m.mu.Lock()
	unsupported := m.unsupported[network]
	clients := m.clients[network]
	m.mu.Unlock()

	if unsupported {
		writeJSON(w, http.StatusBadRequest, Record{"errors": []string{"Invalid device type for this network"}})
		return
	}
	writeJSON(w, http.StatusOK, page(r, clients, "id"))
}

// page slices records after the startingAfter cursor, perPage at a time.
func page(r *http.Request, records []Record, cursorField string) []Record {
	q := r.URL.Query()

	start := 0
	if after := q.Get("startingAfter"); after != "" {
		for i, rec := range records {
			if rec[cursorField] == after {
				start = i + 1
				break
			}
		}
	}

	end := len(records)
	if perPage, err := strconv.Atoi(q.Get("perPage")); err == nil && perPage > 0 && start+perPage < end {
		end = start + perPage
	}
	if start >= end {
		return []Record{}
	}
	return records[start:end]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
