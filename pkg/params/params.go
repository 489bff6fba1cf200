package params

import (
	"errors"
	"fmt"

	"github.com/octopus-sh/octopus/pkg/security"
	"github.com/octopus-sh/octopus/pkg/storage"
	"github.com/octopus-sh/octopus/pkg/types"
)

// ErrForbidden is returned when a requester may not access another user's
// parameters. The HTTP layer maps it to 403 once, at the boundary.
var ErrForbidden = errors.New("forbidden")

// Manager mediates access to user parameters: ownership checks, the
// admin_users escape hatch, and at-rest obfuscation of sensitive values.
type Manager struct {
	store      storage.Store
	obfuscator *security.Obfuscator
	admins     map[string]bool
}

// NewManager creates a parameter manager. adminUsers may read and write any
// user's parameters; everyone else is limited to their own.
func NewManager(store storage.Store, obfuscator *security.Obfuscator, adminUsers []string) *Manager {
	admins := make(map[string]bool, len(adminUsers))
	for _, u := range adminUsers {
		admins[u] = true
	}
	return &Manager{store: store, obfuscator: obfuscator, admins: admins}
}

func (m *Manager) allowed(requester, owner string) bool {
	return requester == owner || m.admins[requester]
}

// Set stores a parameter on behalf of requester. Sensitive values are
// sealed before they reach the store.
func (m *Manager) Set(requester string, param *types.UserParam) error {
	if !m.allowed(requester, param.Username) {
		return fmt.Errorf("%w: %s may not write parameters of %s", ErrForbidden, requester, param.Username)
	}
	if param.Type == "" {
		param.Type = types.ParamTypeString
	}
	if param.IsSensitive {
		sealed, err := m.obfuscator.Seal(param.Value)
		if err != nil {
			return fmt.Errorf("failed to seal sensitive value: %w", err)
		}
		stored := *param
		stored.Value = sealed
		return m.store.PutParam(&stored)
	}
	return m.store.PutParam(param)
}

// Get retrieves a parameter on behalf of requester, unsealing sensitive
// values.
func (m *Manager) Get(requester, username, category, name string) (*types.UserParam, error) {
	if !m.allowed(requester, username) {
		return nil, fmt.Errorf("%w: %s may not read parameters of %s", ErrForbidden, requester, username)
	}
	param, err := m.store.GetParam(username, category, name)
	if err != nil {
		return nil, err
	}
	if param.IsSensitive {
		plain, err := m.obfuscator.Open(param.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal sensitive value: %w", err)
		}
		param.Value = plain
	}
	return param, nil
}

// List returns all parameters owned by username. Sensitive values are
// unsealed for authorized readers.
func (m *Manager) List(requester, username string) ([]*types.UserParam, error) {
	if !m.allowed(requester, username) {
		return nil, fmt.Errorf("%w: %s may not read parameters of %s", ErrForbidden, requester, username)
	}
	params, err := m.store.ListParams(username)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		if p.IsSensitive {
			plain, err := m.obfuscator.Open(p.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to unseal %s/%s: %w", p.Category, p.Name, err)
			}
			p.Value = plain
		}
	}
	return params, nil
}

// Delete removes a parameter on behalf of requester.
func (m *Manager) Delete(requester, username, category, name string) error {
	if !m.allowed(requester, username) {
		return fmt.Errorf("%w: %s may not delete parameters of %s", ErrForbidden, requester, username)
	}
	return m.store.DeleteParam(username, category, name)
}
