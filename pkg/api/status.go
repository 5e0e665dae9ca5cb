package api

// DriverState is the lifecycle state of the filter driver.
type DriverState string

const (
	StateUnregistered DriverState = "unregistered"
	StateRegistered   DriverState = "registered"
	StateIntercepting DriverState = "intercepting"
	StateDraining     DriverState = "draining"
)

// Counters are the running totals reported by QueryStatus.
type Counters struct {
	Seen            uint64 `json:"seen"`
	Allowed         uint64 `json:"allowed"`
	Blocked         uint64 `json:"blocked"`
	Delayed         uint64 `json:"delayed"`
	Timeouts        uint64 `json:"timeouts"`
	Faults          uint64 `json:"faults"`
	Bypassed        uint64 `json:"bypassed"`
	EventsPublished uint64 `json:"events_published"`
	EventsDropped   uint64 `json:"events_dropped"`
}

// StatusReport is the QueryStatus response.
type StatusReport struct {
	State         DriverState `json:"state"`
	PolicyVersion uint64      `json:"policy_version"`
	PolicyDigest  string      `json:"policy_digest"`
	RuleCount     int         `json:"rule_count"`
	Counters      Counters    `json:"counters"`
}
