package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveAccount    = errors.New("account is inactive")
	ErrUsernameTaken      = errors.New("username already exists")
)

const (
	minPasswordLength = 8
	maxUsernameLength = 150
)

type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type stockroomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := normalizeUsername(req.Username)
	if username == "" {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	user, err := a.userStore.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}

	if !verifyPassword(user.Password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, ErrInactiveAccount
	}

	return a.issue(user.Username, user.Role)
}

// Register creates a regular account and logs it in.
func (a *AuthManager) Register(ctx context.Context, req domain.RegisterRequest) (domain.LoginResponse, error) {
	username := normalizeUsername(req.Username)
	if err := validateUsername(username); err != nil {
		return domain.LoginResponse{}, err
	}
	if err := validateNewPassword(username, req.Password1, req.Password2); err != nil {
		return domain.LoginResponse{}, err
	}

	if _, err := a.userStore.GetUser(ctx, username); err == nil {
		return domain.LoginResponse{}, ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.LoginResponse{}, err
	}

	passwordHash, err := hashPassword(req.Password1)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("failed to hash password")
	}
	err = a.userStore.CreateUser(ctx, domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      domain.RoleUser,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		// Lost a race with another signup for the same name.
		if errors.Is(err, store.ErrInvalidInput) {
			return domain.LoginResponse{}, ErrUsernameTaken
		}
		return domain.LoginResponse{}, err
	}

	return a.issue(username, domain.RoleUser)
}

// ChangePassword replaces the password of an active account after checking
// the current one.
func (a *AuthManager) ChangePassword(ctx context.Context, username string, req domain.ChangePasswordRequest) error {
	username = normalizeUsername(username)
	user, err := a.userStore.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !verifyPassword(user.Password, req.OldPassword) {
		return ErrInvalidCredentials
	}
	if !user.Active {
		return ErrInactiveAccount
	}
	if err := validateNewPassword(username, req.NewPassword1, req.NewPassword2); err != nil {
		return err
	}

	passwordHash, err := hashPassword(req.NewPassword1)
	if err != nil {
		return fmt.Errorf("failed to hash password")
	}
	if err := a.userStore.UpdateUserPassword(ctx, username, passwordHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &stockroomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer("stockroom"))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) issue(username, role string) (domain.LoginResponse, error) {
	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Username:    username,
		Role:        role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := stockroomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "stockroom",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// validateUsername allows letters, digits and @.+-_ like most signup forms.
func validateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", store.ErrInvalidInput)
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return fmt.Errorf("%w: username must be at most %d characters", store.ErrInvalidInput, maxUsernameLength)
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case strings.ContainsRune("@.+-_", r):
		default:
			return fmt.Errorf("%w: username may only contain letters, digits and @.+-_", store.ErrInvalidInput)
		}
	}
	return nil
}

func validateNewPassword(username, password1, password2 string) error {
	if password1 != password2 {
		return fmt.Errorf("%w: passwords do not match", store.ErrInvalidInput)
	}
	if utf8.RuneCountInString(password1) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", store.ErrInvalidInput, minPasswordLength)
	}
	if strings.EqualFold(password1, username) {
		return fmt.Errorf("%w: password is too similar to the username", store.ErrInvalidInput)
	}
	return nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
