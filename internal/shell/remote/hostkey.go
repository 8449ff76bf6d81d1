package remote

import (
	"fmt"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback verifies server keys against an OpenSSH known_hosts file.
// An empty path returns nil, which NewSSHExecutor treats as "accept any".
func HostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return nil, nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", knownHostsFile, err)
	}
	return cb, nil
}
