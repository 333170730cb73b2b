package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"ssoportal.id/internal/ids"
)

// UserStore persists portal accounts. Implementations return ErrNotFound
// for unknown ids and ErrConflict for duplicate usernames or emails.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	FindUserByLogin(ctx context.Context, login string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUserStatus(ctx context.Context, id, status string, at time.Time) (User, error)
	SetUserRoles(ctx context.Context, id string, roles []string, at time.Time) (User, error)
	RecordLogin(ctx context.Context, id string, at time.Time) error
}

// Registration is the input for creating an account.
type Registration struct {
	Username   string   `json:"username" validate:"required,min=3,max=64"`
	Email      string   `json:"email" validate:"required,email"`
	FullName   string   `json:"full_name" validate:"required,max=200"`
	Department string   `json:"department" validate:"required,oneof=sahbandar spb shti epit admin"`
	Password   string   `json:"password" validate:"required,min=8"`
	Roles      []string `json:"roles"`
}

// DirectoryOption customises a Directory.
type DirectoryOption func(*Directory)

// WithDirectoryClock overrides the time source.
func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// Directory manages accounts and resolves principals.
type Directory struct {
	users    UserStore
	catalog  *CachedCatalog
	validate *validator.Validate
	now      func() time.Time
}

func NewDirectory(users UserStore, catalog *CachedCatalog, opts ...DirectoryOption) (*Directory, error) {
	if users == nil {
		return nil, errors.New("user store is required")
	}
	if catalog == nil {
		return nil, errors.New("role catalog is required")
	}
	d := &Directory{users: users, catalog: catalog, validate: validator.New(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Catalog exposes the role catalog backing the directory.
func (d *Directory) Catalog() *CachedCatalog { return d.catalog }

// Register creates an active account.
func (d *Directory) Register(ctx context.Context, reg Registration) (User, error) {
	reg.Username = strings.TrimSpace(reg.Username)
	reg.Email = strings.ToLower(strings.TrimSpace(reg.Email))
	reg.FullName = strings.TrimSpace(reg.FullName)
	reg.Department = strings.TrimSpace(reg.Department)
	if err := d.validate.Struct(&reg); err != nil {
		return User{}, fmt.Errorf("%w: %s", ErrInvalidInput, describeValidation(err))
	}
	roles := dedupeStrings(reg.Roles)
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	if err := d.checkRoles(ctx, roles); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(reg.Password)
	if err != nil {
		return User{}, err
	}
	now := d.now().UTC()
	return d.users.CreateUser(ctx, User{
		ID:           ids.New(),
		Username:     reg.Username,
		Email:        reg.Email,
		FullName:     reg.FullName,
		Department:   reg.Department,
		Status:       UserStatusActive,
		Roles:        roles,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// Authenticate checks credentials by username or email. Every failure is
// reported as ErrUnauthorized so callers cannot tell which part was wrong.
func (d *Directory) Authenticate(ctx context.Context, login, password string) (User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return User{}, ErrUnauthorized
	}
	user, err := d.users.FindUserByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrUnauthorized
	}
	if err != nil {
		return User{}, err
	}
	ok, err := VerifyPassword(user.PasswordHash, password)
	if err != nil || !ok {
		return User{}, ErrUnauthorized
	}
	if !user.Active() {
		return user, ErrUserInactive
	}
	now := d.now().UTC()
	if err := d.users.RecordLogin(ctx, user.ID, now); err != nil {
		return User{}, err
	}
	user.LastLoginAt = &now
	return user, nil
}

func (d *Directory) Get(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return d.users.GetUser(ctx, userID)
}

func (d *Directory) List(ctx context.Context) ([]User, error) {
	return d.users.ListUsers(ctx)
}

// SetStatus changes the account status and returns the user before and after.
func (d *Directory) SetStatus(ctx context.Context, userID, status string) (before, after User, err error) {
	status = strings.TrimSpace(status)
	if !ValidUserStatus(status) {
		return User{}, User{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	before, err = d.Get(ctx, userID)
	if err != nil {
		return User{}, User{}, err
	}
	after, err = d.users.UpdateUserStatus(ctx, before.ID, status, d.now().UTC())
	return before, after, err
}

// AssignRoles replaces the user's role list.
func (d *Directory) AssignRoles(ctx context.Context, userID string, roles []string) (before, after User, err error) {
	roles = dedupeStrings(roles)
	if err := d.checkRoles(ctx, roles); err != nil {
		return User{}, User{}, err
	}
	before, err = d.Get(ctx, userID)
	if err != nil {
		return User{}, User{}, err
	}
	after, err = d.users.SetUserRoles(ctx, before.ID, roles, d.now().UTC())
	return before, after, err
}

// Principal loads the user and resolves its effective permissions.
func (d *Directory) Principal(ctx context.Context, userID string) (Principal, error) {
	user, err := d.Get(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	cat, err := d.catalog.Catalog(ctx)
	if err != nil {
		return Principal{}, fmt.Errorf("load role catalog: %w", err)
	}
	return NewPrincipal(user, cat), nil
}

func (d *Directory) checkRoles(ctx context.Context, roles []string) error {
	for _, r := range roles {
		ok, err := d.catalog.KnownRole(ctx, r)
		if err != nil {
			return fmt.Errorf("load role catalog: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}
