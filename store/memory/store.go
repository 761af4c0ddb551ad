// Package memory provides an in-process ProfileStore for tests, development
// and single-instance deployments.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
)

type userState struct {
	profile  goMFA.Profile
	passkeys []goMFA.PasskeyCredential
	devices  map[string]goMFA.TrustedDevice
}

// Store is a mutex-guarded [goMFA.ProfileStore]. Every compare-and-set runs
// under one lock, so it gives the same single-winner guarantees as the
// Postgres store.
type Store struct {
	mu    sync.Mutex
	users map[string]*userState
}

var _ goMFA.ProfileStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{users: make(map[string]*userState)}
}

func (s *Store) user(userID string) *userState {
	u, ok := s.users[userID]
	if !ok {
		u = &userState{
			profile: goMFA.Profile{UserID: userID},
			devices: make(map[string]goMFA.TrustedDevice),
		}
		s.users[userID] = u
	}
	return u
}

func (u *userState) refresh() {
	u.profile.Enabled = !u.profile.Methods.Empty()
}

// GetProfile implements [goMFA.ProfileStore].
func (s *Store) GetProfile(_ context.Context, userID string) (*goMFA.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, goMFA.ErrProfileNotFound
	}
	p := u.profile
	p.TOTPSecret = bytes.Clone(u.profile.TOTPSecret)
	p.BackupCodeHashes = append([]string(nil), u.profile.BackupCodeHashes...)
	return &p, nil
}

// SetTOTPSecret implements [goMFA.ProfileStore].
func (s *Store) SetTOTPSecret(_ context.Context, userID string, sealed []byte, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	u.profile.TOTPSecret = bytes.Clone(sealed)
	u.profile.LastTOTPStep = step
	u.profile.Methods = u.profile.Methods.With(goMFA.FactorTOTP)
	u.refresh()
	return nil
}

// AdvanceTOTPStep implements [goMFA.ProfileStore].
func (s *Store) AdvanceTOTPStep(_ context.Context, userID string, step int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || step <= u.profile.LastTOTPStep {
		return false, nil
	}
	u.profile.LastTOTPStep = step
	return true, nil
}

// ReplaceBackupCodes implements [goMFA.ProfileStore].
func (s *Store) ReplaceBackupCodes(_ context.Context, userID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	u.profile.BackupCodeHashes = append([]string(nil), hashes...)
	if len(hashes) > 0 {
		u.profile.Methods = u.profile.Methods.With(goMFA.FactorBackup)
	} else {
		u.profile.Methods = u.profile.Methods.Without(goMFA.FactorBackup)
	}
	u.refresh()
	return nil
}

// ConsumeBackupCode implements [goMFA.ProfileStore].
func (s *Store) ConsumeBackupCode(_ context.Context, userID, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	for i, h := range u.profile.BackupCodeHashes {
		if h != hash {
			continue
		}
		hashes := u.profile.BackupCodeHashes
		u.profile.BackupCodeHashes = append(hashes[:i:i], hashes[i+1:]...)
		if len(u.profile.BackupCodeHashes) == 0 {
			u.profile.Methods = u.profile.Methods.Without(goMFA.FactorBackup)
			u.refresh()
		}
		return true, nil
	}
	return false, nil
}

// SetContact implements [goMFA.ProfileStore].
func (s *Store) SetContact(_ context.Context, userID string, factor goMFA.Factor, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	switch factor {
	case goMFA.FactorEmail:
		u.profile.Email = destination
		u.profile.EmailVerified = true
	case goMFA.FactorWhatsApp:
		u.profile.WhatsApp = destination
		u.profile.WhatsAppVerified = true
	default:
		return goMFA.ErrUnsupportedFactor
	}
	u.profile.Methods = u.profile.Methods.With(factor)
	u.refresh()
	return nil
}

// RecordFailure implements [goMFA.ProfileStore].
func (s *Store) RecordFailure(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	u.profile.FailedAttemptCount++
	return u.profile.FailedAttemptCount, nil
}

// RecordSuccess implements [goMFA.ProfileStore].
func (s *Store) RecordSuccess(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	u.profile.FailedAttemptCount = 0
	u.profile.LastSuccessAt = at
	return nil
}

// ListPasskeys implements [goMFA.ProfileStore].
func (s *Store) ListPasskeys(_ context.Context, userID string) ([]goMFA.PasskeyCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	out := make([]goMFA.PasskeyCredential, len(u.passkeys))
	copy(out, u.passkeys)
	return out, nil
}

// AddPasskey implements [goMFA.ProfileStore].
func (s *Store) AddPasskey(_ context.Context, cred goMFA.PasskeyCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(cred.UserID)
	for i := range u.passkeys {
		if bytes.Equal(u.passkeys[i].ID, cred.ID) {
			u.passkeys[i] = cred
			return nil
		}
	}
	u.passkeys = append(u.passkeys, cred)
	u.profile.Methods = u.profile.Methods.With(goMFA.FactorPasskey)
	u.refresh()
	return nil
}

// UpdatePasskeyUsage implements [goMFA.ProfileStore].
func (s *Store) UpdatePasskeyUsage(_ context.Context, userID string, credentialID []byte, signCount uint32, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	for i := range u.passkeys {
		c := &u.passkeys[i]
		if !bytes.Equal(c.ID, credentialID) {
			continue
		}
		if signCount <= c.SignCount && !(signCount == 0 && c.SignCount == 0) {
			return false, nil
		}
		c.SignCount = signCount
		c.LastUsedAt = at
		return true, nil
	}
	return false, nil
}

// PutTrustedDevice implements [goMFA.ProfileStore].
func (s *Store) PutTrustedDevice(_ context.Context, device goMFA.TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user(device.UserID).devices[device.DeviceID] = device
	return nil
}

// GetTrustedDevice implements [goMFA.ProfileStore].
func (s *Store) GetTrustedDevice(_ context.Context, userID, deviceID string) (*goMFA.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, goMFA.ErrDeviceNotFound
	}
	d, ok := u.devices[deviceID]
	if !ok {
		return nil, goMFA.ErrDeviceNotFound
	}
	return &d, nil
}

// TouchTrustedDevice implements [goMFA.ProfileStore].
func (s *Store) TouchTrustedDevice(_ context.Context, userID, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return goMFA.ErrDeviceNotFound
	}
	d, ok := u.devices[deviceID]
	if !ok {
		return goMFA.ErrDeviceNotFound
	}
	d.LastSeenAt = at
	u.devices[deviceID] = d
	return nil
}

// DeleteTrustedDevice implements [goMFA.ProfileStore].
func (s *Store) DeleteTrustedDevice(_ context.Context, userID, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	if _, ok := u.devices[deviceID]; !ok {
		return false, nil
	}
	delete(u.devices, deviceID)
	return true, nil
}

// CountTrustedDevices implements [goMFA.ProfileStore].
func (s *Store) CountTrustedDevices(_ context.Context, userID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, d := range u.devices {
		if now.Before(d.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

// ResetProfile implements [goMFA.ProfileStore].
func (s *Store) ResetProfile(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.profile = goMFA.Profile{UserID: userID}
	u.passkeys = nil
	u.devices = make(map[string]goMFA.TrustedDevice)
	return nil
}
