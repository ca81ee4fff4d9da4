package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bucketgate/internal/domain"
	"bucketgate/internal/repository"
)

var (
	// ErrRegistrationFailed hides why a registration was refused.
	ErrRegistrationFailed = errors.New("creating user failed")
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidUser is returned when a role change targets an unknown user or role.
	ErrInvalidUser = errors.New("invalid user")
)

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, digest string) bool
}

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Issue(username string, userID int64, role domain.Role) (string, error)
}

// UserService describes user lifecycle operations.
type UserService interface {
	Register(ctx context.Context, username, password string) (*domain.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	ChangeRole(ctx context.Context, userID int64, role domain.Role) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

type userService struct {
	users  repository.UserRepository
	hasher PasswordHasher
	tokens TokenIssuer
	// dummyDigest is compared against when the username is unknown so that both
	// login failures cost one bcrypt comparison.
	dummyDigest string
}

func NewUserService(users repository.UserRepository, hasher PasswordHasher, tokens TokenIssuer) (UserService, error) {
	dummy, err := hasher.Hash("bucketgate-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy digest: %w", err)
	}
	return &userService{
		users:       users,
		hasher:      hasher,
		tokens:      tokens,
		dummyDigest: dummy,
	}, nil
}

// Register creates a user. The very first user becomes ADMIN, all later ones NONE.
// Count and insert are separate statements, so two simultaneous first registrations
// may both be promoted.
func (s *userService) Register(ctx context.Context, username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrRegistrationFailed)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrRegistrationFailed)
	}

	existing, err := s.users.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	role := domain.RoleNone
	if existing == 0 {
		role = domain.RoleAdmin
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	user := &domain.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}
	if _, err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	return sanitizeUser(user), nil
}

// Login returns a session token. Unknown usernames and wrong passwords fail identically.
func (s *userService) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.hasher.Verify(password, s.dummyDigest)
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.Username, user.ID, user.Role)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

func (s *userService) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(users))
	for i := range users {
		out = append(out, *sanitizeUser(&users[i]))
	}
	return out, nil
}

func (s *userService) ChangeRole(ctx context.Context, userID int64, role domain.Role) (*domain.User, error) {
	if userID <= 0 || !role.Valid() {
		return nil, ErrInvalidUser
	}
	user, err := s.users.UpdateRole(ctx, userID, role)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidUser
		}
		return nil, fmt.Errorf("update role: %w", err)
	}
	return sanitizeUser(user), nil
}

// GetByID returns the live record, digest included, for server-side checks.
func (s *userService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.users.GetByID(ctx, id)
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
