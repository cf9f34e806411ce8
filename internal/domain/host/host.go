package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("host not found")

type Host struct {
	ID       string          `json:"hostId"`
	Hostname string          `json:"hostname"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// MissingHostsError is returned when a selector names hostnames that do not
// exist. The whole intake aborts; no partial job is created.
type MissingHostsError struct {
	Hostnames []string
}

func (e *MissingHostsError) Error() string {
	return fmt.Sprintf("Missing hosts: %s", strings.Join(e.Hostnames, ","))
}
