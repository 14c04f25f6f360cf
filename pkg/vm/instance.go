package vm

import (
	"fmt"
	"strings"
)

// Everything needed to address a single instance over the compute
// api. Zone is the short name (us-west1-b), not the full url.
type Ref struct {
	Project string
	Zone    string
	Name    string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Project, r.Zone, r.Name)
}

// Power state as reported by the provider, squashed down to the
// handful of values the tools care about.
type Status string

const (
	Running      Status = "RUNNING"
	Stopped      Status = "STOPPED"
	Stopping     Status = "STOPPING"
	Provisioning Status = "PROVISIONING"
	Terminated   Status = "TERMINATED"
	Unknown      Status = "UNKNOWN"
)

// Map a raw api status string onto a Status. STAGING is just the
// tail end of provisioning so it gets folded in there, everything
// else we don't know about (SUSPENDED, REPAIRING...) is UNKNOWN.
func ParseStatus(s string) Status {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case Running, Stopped, Stopping, Provisioning, Terminated:
		return st
	case "STAGING":
		return Provisioning
	default:
		return Unknown
	}
}

// Instance is the subset of the api instance resource the tools
// display or act upon.
type Instance struct {
	Ref
	Status      Status
	CPUPlatform string
	Network     string
	InternalIP  string
	ExternalIP  string
}

// Handle for an in flight provider operation. Zone is empty for
// global operations (firewall inserts).
type Operation struct {
	Project string
	Zone    string
	Name    string
}

func (o Operation) Global() bool {
	return o.Zone == ""
}

// RemoteOperationFailure is an operation that finished but carried an
// error payload from the provider.
type RemoteOperationFailure struct {
	Operation string
	Detail    string
}

func (e *RemoteOperationFailure) Error() string {
	return fmt.Sprintf("operation %s failed: %s", e.Operation, e.Detail)
}
