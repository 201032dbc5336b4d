// Package identity derives the stable node id an agent presents in its
// handshake.
//
// The id survives restarts and reinstalls of the agent: unless one is
// configured, it is a keyed BLAKE3 digest of the host's machine id, so the
// machine id itself never leaves the host.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

const DefaultMachineIDPath = "/etc/machine-id"

var domainTag = []byte("gridlink node id v1")

var ErrNoIdentity = errors.New("identity: no machine id or hostname available")

// Provider reads host identity. The zero value reads DefaultMachineIDPath
// and os.Hostname.
type Provider struct {
	MachineIDPath string
	Hostname      func() (string, error)
}

// NodeID returns configured if it is set. Otherwise it hashes the machine
// id, or the hostname when the machine id cannot be read.
func (p Provider) NodeID(configured string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}

	path := p.MachineIDPath
	if path == "" {
		path = DefaultMachineIDPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return digest(id), nil
		}
	}

	hostname := p.Hostname
	if hostname == nil {
		hostname = os.Hostname
	}
	name, err := hostname()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	if name = strings.TrimSpace(name); name == "" {
		return "", ErrNoIdentity
	}
	return digest(name), nil
}

// NodeID uses the default Provider.
func NodeID(configured string) (string, error) {
	return Provider{}.NodeID(configured)
}

func digest(source string) string {
	h := blake3.New()
	h.Write(domainTag)
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}
