// cloudid.go parses the anonymous reporter identity telemetry clients send in
// the CloudNet-ID header.
package stats

import (
	"fmt"
	"strings"
	"time"
)

// CloudID identifies one reporting instance. Two reports with the same
// InstanceID are the same logical reporter regardless of address drift, so
// aggregates key on InstanceID alone.
type CloudID struct {
	ParentName string
	InstanceID string
	Addr       string
	FirstSeen  time.Time
}

// ParseCloudID parses a "<line>:<instanceId>" header value. addr is the
// remote address observed on the request.
func ParseCloudID(header, addr string) (*CloudID, error) {
	line, instance, ok := strings.Cut(header, ":")
	if !ok || line == "" || instance == "" {
		return nil, fmt.Errorf("malformed CloudNet-ID header: want <line>:<instanceId>")
	}
	return &CloudID{
		ParentName: line,
		InstanceID: instance,
		Addr:       addr,
		FirstSeen:  time.Now().UTC(),
	}, nil
}
