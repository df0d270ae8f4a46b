package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/brannt/wallet/internal/middleware"
	"github.com/brannt/wallet/internal/wallet"
)

// AuthService owns account registration, login and logout. It is thin
// glue around the account store; the only invariant it relies on is the
// store's duplicate-username rejection.
type AuthService struct {
	accounts  *wallet.AccountStore
	redis     *redis.Client
	validator *ValidationHelper
}

func NewAuthService(accounts *wallet.AccountStore, redisClient *redis.Client) *AuthService {
	return &AuthService{
		accounts:  accounts,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=1,max=255"`
	Password string `json:"password" validate:"required,min=6"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=255"`
	Password string `json:"password" validate:"required"`
}

// AccountResponse is the public view of an account.
type AccountResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Token   string          `json:"token"`
	Account AccountResponse `json:"account"`
}

// Register handles account creation
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Registration validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Username, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	account, err := s.accounts.CreateAccount(r.Context(), req.Username, passwordHash)
	if err != nil {
		if err == wallet.ErrDuplicateUsername {
			log.Printf("[AUTH] Username already exists: %s", req.Username)
			SendErrorResponse(w, "Username already exists", http.StatusConflict, nil)
			return
		}
		log.Printf("[AUTH] Account creation failed for %s: %v", req.Username, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	token, err := generateJWT(account.ID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for account %d: %v", account.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Registration successful for account %d", account.ID)
	SendJSON(w, http.StatusCreated, AuthResponse{
		Token:   token,
		Account: AccountResponse{ID: account.ID, Username: account.Username, Balance: account.Balance},
	})
}

// Login handles account authentication
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	var req LoginRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Login validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := s.accounts.GetAccountByUsername(r.Context(), req.Username)
	if err != nil {
		log.Printf("[AUTH] Account lookup failed for %s: %v", req.Username, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	if account == nil || !verifyPassword(req.Password, account.PasswordHash) {
		log.Printf("[AUTH] Invalid credentials for username: %s", req.Username)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	token, err := generateJWT(account.ID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for account %d: %v", account.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for account %d", account.ID)
	SendJSON(w, http.StatusOK, AuthResponse{
		Token:   token,
		Account: AccountResponse{ID: account.ID, Username: account.Username, Balance: account.Balance},
	})
}

// Logout blacklists the presented token until its natural expiry.
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if strings.HasPrefix(token, "Bearer ") {
		token = strings.TrimPrefix(token, "Bearer ")

		if s.redis != nil {
			if ttl := tokenRemainingTTL(token); ttl > 0 {
				ctx := context.Background()
				key := fmt.Sprintf("blacklist:%s", token)
				if err := s.redis.Set(ctx, key, "1", ttl).Err(); err != nil {
					log.Printf("[AUTH] Failed to blacklist token: %v", err)
				}
			}
		}
	}

	SendJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// tokenRemainingTTL returns how long the token is still valid, so the
// blacklist entry expires together with the token instead of holding a
// full expiry window from logout time. An unparseable token gets the full
// window; an already-expired one needs no entry at all.
func tokenRemainingTTL(tokenString string) time.Duration {
	fallback := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour

	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return fallback
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}

	remaining := time.Until(exp.Time)
	if remaining > fallback {
		return fallback
	}
	return remaining
}

// GetAccount returns the authenticated account's id, username and balance.
func (s *AuthService) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.accounts.GetAccountByID(r.Context(), accountID)
	if err != nil {
		log.Printf("[AUTH] Failed to fetch account %d: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		return
	}
	if account == nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	SendJSON(w, http.StatusOK, AccountResponse{
		ID:       account.ID,
		Username: account.Username,
		Balance:  account.Balance,
	})
}

// decodeJSONBody applies the shared request body discipline: bounded
// size, unknown fields rejected, exactly one JSON object.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func generateJWT(accountID int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": accountID,
		"exp":        time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, passwordHash string) bool {
	parts := strings.Split(passwordHash, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}
