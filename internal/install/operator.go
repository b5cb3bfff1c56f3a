package install

import (
	"fmt"
	"os"
	"os/user"
)

// Operator identifies who ran a session, for the audit trail.
type Operator struct {
	// Hostname is the machine the session ran on.
	Hostname string `json:"hostname" yaml:"hostname"`
	// Username is the account that started the session.
	Username string `json:"username" yaml:"username"`
}

// DetectOperator gathers host and user information of the current process.
func DetectOperator() (Operator, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Operator{}, fmt.Errorf("hostname: %w", err)
	}

	currentUser, err := user.Current()
	if err != nil {
		return Operator{}, fmt.Errorf("current user: %w", err)
	}

	return Operator{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
