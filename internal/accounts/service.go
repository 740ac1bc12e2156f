package accounts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotAllowed indicates the email is not on the registration allowlist.
	ErrNotAllowed = errors.New("accounts: email not allowlisted")
	// ErrEmailTaken indicates a duplicate email on register or allowlist add.
	ErrEmailTaken = errors.New("accounts: email already exists")
	// ErrInvalidCredentials covers unknown email, deactivated account, and
	// wrong password alike, so a caller cannot tell which condition failed.
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
	// ErrNotFound indicates the allowlist entry is absent.
	ErrNotFound = errors.New("accounts: entry not found")
	// ErrSelfRemoval indicates an admin tried to remove their own allowlist
	// entry.
	ErrSelfRemoval = errors.New("accounts: cannot remove own email")

	errMissingIDProvider = errors.New("accounts: id provider is required")
)

// IDProvider issues unique account identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Saver receives a save request after a committed mutation to the owning
// collection.
type Saver interface {
	RequestSave()
}

// ServiceConfig describes the dependencies and loaded state for the access
// control service.
type ServiceConfig struct {
	Users          []User
	AllowedEmails  []AllowedEmail
	Clock          func() time.Time
	IDProvider     IDProvider
	UsersSaver     Saver
	AllowlistSaver Saver
	Logger         *zap.Logger
}

// Service owns the user account and allowed-email collections. One mutex
// serializes every mutation to both; credential hashing is the only operation
// that suspends a caller while holding it, which keeps login attempts from
// racing deactivation.
type Service struct {
	mu             sync.Mutex
	users          []User
	allowed        []AllowedEmail
	clock          func() time.Time
	ids            IDProvider
	usersSaver     Saver
	allowlistSaver Saver
	logger         *zap.Logger
}

// NewService constructs the service around previously loaded collections.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:          append([]User(nil), cfg.Users...),
		allowed:        append([]AllowedEmail(nil), cfg.AllowedEmails...),
		clock:          clock,
		ids:            cfg.IDProvider,
		usersSaver:     cfg.UsersSaver,
		allowlistSaver: cfg.AllowlistSaver,
		logger:         logger,
	}, nil
}

// Register creates an account for an allowlisted email. The account role is
// copied from the allowlist entry and the account starts active.
func (s *Service) Register(email, name, password string) (User, error) {
	normalized := NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.allowlistEntryLocked(normalized)
	if entry == nil {
		return User{}, ErrNotAllowed
	}
	if s.userIndexLocked(normalized) >= 0 {
		return User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("accounts: hash password: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return User{}, fmt.Errorf("accounts: generate id: %w", err)
	}

	user := User{
		ID:           id,
		Email:        normalized,
		Name:         name,
		PasswordHash: string(hash),
		Role:         entry.Role,
		CreatedAt:    s.clock().UTC().Format(time.RFC3339),
		IsActive:     true,
	}
	s.users = append(s.users, user)
	s.requestSave(s.usersSaver)

	s.logger.Info("user registered",
		zap.String("email", user.Email),
		zap.String("role", string(user.Role)))
	return user, nil
}

// Authenticate verifies the credential pair and stamps the last login time.
// Unknown email, deactivated account, and wrong password all yield the same
// error.
func (s *Service) Authenticate(email, password string) (User, error) {
	normalized := NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.userIndexLocked(normalized)
	if index < 0 {
		return User{}, ErrInvalidCredentials
	}
	user := s.users[index]
	if !user.IsActive {
		return User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}

	user.LastLogin = s.clock().UTC().Format(time.RFC3339)
	s.users[index] = user
	s.requestSave(s.usersSaver)
	return user, nil
}

// AddAllowedEmail appends an allowlist entry with attribution to the acting
// admin.
func (s *Service) AddAllowedEmail(email string, role Role, actorEmail string) (AllowedEmail, error) {
	normalized := NormalizeEmail(email)
	if !ValidRole(role) {
		role = RoleUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allowlistEntryLocked(normalized) != nil {
		return AllowedEmail{}, ErrEmailTaken
	}

	entry := AllowedEmail{
		Email:   normalized,
		Role:    role,
		AddedAt: s.clock().UTC().Format(time.RFC3339),
		AddedBy: NormalizeEmail(actorEmail),
	}
	s.allowed = append(s.allowed, entry)
	s.requestSave(s.allowlistSaver)
	return entry, nil
}

// RemoveAllowedEmail drops an allowlist entry and deactivates a matching
// account. Deactivation rejects future logins; tokens already in the wild
// stay valid until they expire. An admin cannot remove their own entry.
func (s *Service) RemoveAllowedEmail(email string, actorEmail string) error {
	normalized := NormalizeEmail(email)
	if normalized == NormalizeEmail(actorEmail) {
		return ErrSelfRemoval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for index := range s.allowed {
		if s.allowed[index].Email == normalized {
			s.allowed = append(s.allowed[:index], s.allowed[index+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return ErrNotFound
	}
	s.requestSave(s.allowlistSaver)

	if index := s.userIndexLocked(normalized); index >= 0 {
		s.users[index].IsActive = false
		s.requestSave(s.usersSaver)
		s.logger.Info("user deactivated", zap.String("email", normalized))
	}
	return nil
}

// Users returns the outward-facing account list.
func (s *Service) Users() []PublicUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]PublicUser, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user.Public())
	}
	return users
}

// AllowedEmails returns a copy of the allowlist.
func (s *Service) AllowedEmails() []AllowedEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AllowedEmail(nil), s.allowed...)
}

// UserCount reports the number of registered accounts.
func (s *Service) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// SnapshotUsers returns the persisted form of the user collection.
func (s *Service) SnapshotUsers() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]User(nil), s.users...)
}

// SnapshotAllowlist returns the persisted form of the allowlist.
func (s *Service) SnapshotAllowlist() []AllowedEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AllowedEmail(nil), s.allowed...)
}

func (s *Service) requestSave(saver Saver) {
	if saver != nil {
		saver.RequestSave()
	}
}

func (s *Service) allowlistEntryLocked(email string) *AllowedEmail {
	for index := range s.allowed {
		if s.allowed[index].Email == email {
			return &s.allowed[index]
		}
	}
	return nil
}

func (s *Service) userIndexLocked(email string) int {
	for index := range s.users {
		if s.users[index].Email == email {
			return index
		}
	}
	return -1
}
