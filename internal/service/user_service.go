package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"account-api/internal/domain"
	"account-api/internal/email"
	"account-api/internal/repository"
)

// UserService coordina reglas de negocio para registro y autenticacion.
type UserService struct {
	logger      *zap.Logger
	users       repository.UserRepository
	otps        repository.OtpRepository
	emailSender email.Sender
	otpLimiter  OTPRateLimiter
	otpTTL      time.Duration
}

func NewUserService(logger *zap.Logger, users repository.UserRepository, otps repository.OtpRepository, emailSender email.Sender, otpLimiter OTPRateLimiter, otpTTL time.Duration) *UserService {
	if otpTTL <= 0 {
		otpTTL = defaultOTPTTL
	}
	if otpLimiter == nil {
		otpLimiter = NewOTPRateLimiter(otpTTL, 3)
	}
	return &UserService{
		logger:      logger,
		users:       users,
		otps:        otps,
		emailSender: emailSender,
		otpLimiter:  otpLimiter,
		otpTTL:      otpTTL,
	}
}

type RegisterInput struct {
	FirstName string
	LastName  string
	Email     string
	Password  string
	Code      string
}

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrOTPNotFound        = errors.New("otp not found")
	ErrOTPExpired         = errors.New("otp expired")
	ErrOTPInvalid         = errors.New("otp invalid")
	ErrEmailTaken         = errors.New("email already registered")
	ErrEmailSendFailure   = errors.New("email send failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrInvalidInput       = errors.New("invalid input")
)

const defaultOTPTTL = 10 * time.Minute

// RequestOTP genera un codigo de 6 digitos, lo persiste como unico
// registro vivo para el email y lo envia por correo. Si el transporte
// rechaza el mensaje, el registro se elimina para que el codigo nunca
// quede utilizable.
func (s *UserService) RequestOTP(ctx context.Context, emailAddr string) error {
	if s.users == nil || s.otps == nil {
		return errors.New("user service not configured")
	}

	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" {
		return ErrInvalidEmail
	}

	if s.otpLimiter != nil && !s.otpLimiter.Allow(emailAddr) {
		return ErrRateLimited
	}

	if _, err := s.users.GetByEmail(ctx, emailAddr); err == nil {
		return ErrEmailTaken
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	code, hash, err := generateOTP()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := domain.OtpRecord{
		ID:        uuid.NewString(),
		Email:     emailAddr,
		CodeHash:  hash,
		ExpiresAt: now.Add(s.otpTTL),
		CreatedAt: now,
	}
	if err := s.otps.Upsert(ctx, rec); err != nil {
		return err
	}

	if s.emailSender == nil {
		return ErrEmailSendFailure
	}
	if err := s.emailSender.SendVerificationOTP(ctx, emailAddr, code, rec.ExpiresAt); err != nil {
		if s.logger != nil {
			s.logger.Warn("send verification otp failed", zap.Error(err), zap.String("email", emailAddr))
		}
		if delErr := s.otps.DeleteByEmail(ctx, emailAddr); delErr != nil && s.logger != nil {
			s.logger.Warn("cleanup otp after send failure", zap.Error(delErr))
		}
		return ErrEmailSendFailure
	}

	return nil
}

// Register verifica el codigo pendiente y recien entonces crea el
// usuario. El registro OTP se elimina tanto en exito como al detectar
// expiracion.
func (s *UserService) Register(ctx context.Context, input RegisterInput) (domain.User, error) {
	if s.users == nil || s.otps == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	emailAddr := normalizeEmail(input.Email)
	firstName := strings.TrimSpace(input.FirstName)
	lastName := strings.TrimSpace(input.LastName)
	password := strings.TrimSpace(input.Password)
	code := strings.TrimSpace(input.Code)

	if emailAddr == "" {
		return domain.User{}, ErrInvalidEmail
	}
	if firstName == "" || lastName == "" || password == "" {
		return domain.User{}, ErrInvalidInput
	}
	if !isValidOTPCode(code) {
		return domain.User{}, ErrOTPInvalid
	}

	rec, err := s.otps.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrOTPInvalid
		}
		return domain.User{}, err
	}
	if rec.Expired(time.Now().UTC()) {
		if delErr := s.otps.DeleteByEmail(ctx, emailAddr); delErr != nil && s.logger != nil {
			s.logger.Warn("delete expired otp", zap.Error(delErr))
		}
		return domain.User{}, ErrOTPExpired
	}
	if !verifyOTP(code, rec.CodeHash) {
		return domain.User{}, ErrOTPInvalid
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}

	now := time.Now().UTC()
	user := domain.User{
		ID:           uuid.NewString(),
		FirstName:    firstName,
		LastName:     lastName,
		Email:        emailAddr,
		PasswordHash: string(hashBytes),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return domain.User{}, ErrEmailTaken
		}
		return domain.User{}, err
	}

	if err := s.otps.DeleteByEmail(ctx, emailAddr); err != nil && s.logger != nil {
		s.logger.Warn("delete consumed otp", zap.Error(err), zap.String("email", emailAddr))
	}

	return user, nil
}

// Authenticate valida credenciales de login. Distingue email
// desconocido de password incorrecta porque la API responde 404 y 401
// respectivamente.
func (s *UserService) Authenticate(ctx context.Context, emailAddr, password string) (domain.User, error) {
	if s.users == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	emailAddr = normalizeEmail(emailAddr)
	password = strings.TrimSpace(password)
	if emailAddr == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	user, err := s.users.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}
	if user.PasswordHash == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// StoreRefreshToken persiste el refresh token recien emitido sobre el
// registro del usuario.
func (s *UserService) StoreRefreshToken(ctx context.Context, userID, refreshToken string) error {
	if s.users == nil {
		return errors.New("user service not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return ErrUserNotFound
	}
	err := s.users.UpdateRefreshToken(ctx, userID, refreshToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	return err
}

// Logout limpia el refresh token almacenado para el usuario.
func (s *UserService) Logout(ctx context.Context, userID string) error {
	if s.users == nil {
		return errors.New("user service not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return ErrUserNotFound
	}
	err := s.users.ClearRefreshToken(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	return err
}

// GetByID devuelve el usuario identificado por los claims del request.
func (s *UserService) GetByID(ctx context.Context, id string) (domain.User, error) {
	if s.users == nil {
		return domain.User{}, errors.New("user service not configured")
	}
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}
	return user, nil
}

// RemoveOtp elimina un registro OTP pendiente por id y lo devuelve.
func (s *UserService) RemoveOtp(ctx context.Context, id string) (domain.OtpRecord, error) {
	if s.otps == nil {
		return domain.OtpRecord{}, errors.New("user service not configured")
	}
	if strings.TrimSpace(id) == "" {
		return domain.OtpRecord{}, ErrOTPNotFound
	}
	rec, err := s.otps.DeleteByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OtpRecord{}, ErrOTPNotFound
		}
		return domain.OtpRecord{}, err
	}
	return rec, nil
}

// PurgeExpiredOTPs borra registros vencidos; lo invoca el barrido
// periodico del proceso.
func (s *UserService) PurgeExpiredOTPs(ctx context.Context) (int64, error) {
	if s.otps == nil {
		return 0, errors.New("user service not configured")
	}
	return s.otps.DeleteExpired(ctx, time.Now().UTC())
}

func generateOTP() (string, string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", "", err
	}
	code := fmt.Sprintf("%06d", n.Int64()+100000)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	saltStr := base64.StdEncoding.EncodeToString(salt)
	hashBytes := sha256.Sum256([]byte(saltStr + ":" + code))
	hash := base64.StdEncoding.EncodeToString(hashBytes[:])

	return code, saltStr + ":" + hash, nil
}

func verifyOTP(code, stored string) bool {
	parts := strings.Split(stored, ":")
	if len(parts) != 2 {
		return false
	}
	saltStr := parts[0]
	expectedHash := parts[1]
	hashBytes := sha256.Sum256([]byte(saltStr + ":" + code))
	hash := base64.StdEncoding.EncodeToString(hashBytes[:])
	return subtle.ConstantTimeCompare([]byte(hash), []byte(expectedHash)) == 1
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// OTPRateLimiter limita la frecuencia de solicitudes de OTP por clave.
type OTPRateLimiter interface {
	Allow(key string) bool
}

type otpRateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
}

// NewOTPRateLimiter crea un rate limiter en memoria.
func NewOTPRateLimiter(window time.Duration, max int) OTPRateLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &otpRateLimiter{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
	}
}

func (l *otpRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	cutoff := now.Add(-l.window)
	entries := l.hits[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.hits[key] = kept
		return false
	}
	kept = append(kept, now)
	l.hits[key] = kept
	return true
}
