package conflict

import (
	"math"
	"reflect"
	"time"
)

// Type classifies a detected conflict for diagnostics and UI. It never
// drives resolution decisions.
type Type string

const (
	// TypeDeleted means the record no longer exists remotely.
	TypeDeleted Type = "deleted"
	// TypeVersion means the version counters diverged.
	TypeVersion Type = "version"
	// TypeConcurrent means both sides changed within a short window.
	TypeConcurrent Type = "concurrent"
	// TypeField is the default: plain field-level divergence.
	TypeField Type = "field"
)

// DefaultConcurrentWindow bounds how close two timestamps must be for the
// writes to count as concurrent.
const DefaultConcurrentWindow = 5 * time.Second

// DiffReport lists field names by how the two sides differ.
type DiffReport struct {
	Changed    []string `json:"changed,omitempty"`
	LocalOnly  []string `json:"local_only,omitempty"`
	ServerOnly []string `json:"server_only,omitempty"`
}

// Empty reports whether the two payloads are field-equivalent.
func (d DiffReport) Empty() bool {
	return len(d.Changed) == 0 && len(d.LocalOnly) == 0 && len(d.ServerOnly) == 0
}

// Classify labels the conflict between a local payload and the remote state.
// Window of zero falls back to DefaultConcurrentWindow.
func Classify(local []byte, remote RemoteState, window time.Duration) Type {
	if !remote.Exists {
		return TypeDeleted
	}
	if window <= 0 {
		window = DefaultConcurrentWindow
	}

	localVer := numberField(local, "version")
	remoteVer := numberField(remote.Payload, "version")
	if localVer != remoteVer {
		return TypeVersion
	}

	localTS := timestampOf(local)
	remoteTS := timestampOf(remote.Payload)
	if localTS > 0 && remoteTS > 0 {
		if math.Abs(localTS-remoteTS) <= float64(window.Milliseconds()) {
			return TypeConcurrent
		}
	}
	return TypeField
}

// HasSignificantChange reports whether the two payloads differ in any field
// other than the ignored ones. Non-object payloads compare as raw bytes.
func HasSignificantChange(local, remote []byte, ignore ...string) bool {
	localObj, lok := asObject(local)
	remoteObj, rok := asObject(remote)
	if !lok || !rok {
		return string(local) != string(remote)
	}

	ignored := make(map[string]bool, len(ignore))
	for _, f := range ignore {
		ignored[f] = true
	}

	for k, lv := range localObj {
		if ignored[k] {
			continue
		}
		rv, ok := remoteObj[k]
		if !ok || !reflect.DeepEqual(lv, rv) {
			return true
		}
	}
	for k := range remoteObj {
		if ignored[k] {
			continue
		}
		if _, ok := localObj[k]; !ok {
			return true
		}
	}
	return false
}

// Diff builds a field-level report of how the local payload diverges from the
// remote one.
func Diff(local, remote []byte) DiffReport {
	var report DiffReport

	localObj, lok := asObject(local)
	remoteObj, rok := asObject(remote)
	if !lok || !rok {
		if string(local) != string(remote) {
			report.Changed = []string{"payload"}
		}
		return report
	}

	for k, lv := range localObj {
		rv, ok := remoteObj[k]
		switch {
		case !ok:
			report.LocalOnly = append(report.LocalOnly, k)
		case !reflect.DeepEqual(lv, rv):
			report.Changed = append(report.Changed, k)
		}
	}
	for k := range remoteObj {
		if _, ok := localObj[k]; !ok {
			report.ServerOnly = append(report.ServerOnly, k)
		}
	}
	return report
}
