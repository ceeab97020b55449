package auth

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNicknameLength = errors.New("nickname must be between 2 and 32 characters")
	ErrPasswordLength = errors.New("password must be at least 6 characters")
	ErrNicknameTaken  = errors.New("nickname already exists")
	ErrBadCredentials = errors.New("invalid nickname or password")
	ErrMemberNotFound = errors.New("member not found")
	ErrInvalidToken   = errors.New("invalid token")
)

type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	MemberID int    `json:"member_id"`
	Nickname string `json:"nickname"`
	jwt.RegisteredClaims
}

func New(db *sql.DB, jwtSecret string) *Service {
	return NewWithTokenTTL(db, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(db *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// Nicknames are shown verbatim in rooms, so any printable text is accepted;
// only the length is bounded.
func validNickname(nickname string) bool {
	n := utf8.RuneCountInString(nickname)
	return n >= 2 && n <= 32
}

func (s *Service) Register(nickname, password string) (int, error) {
	nickname = strings.TrimSpace(nickname)
	if !validNickname(nickname) {
		return 0, ErrNicknameLength
	}
	if len(password) < 6 {
		return 0, ErrPasswordLength
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := s.db.Exec(
		"INSERT INTO members (nickname, password_hash) VALUES (?, ?)",
		nickname,
		string(hash),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrNicknameTaken
		}
		return 0, fmt.Errorf("failed to register member: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to register member: %w", err)
	}

	return int(id), nil
}

// Login checks the credentials and returns a signed token plus the stored
// nickname.
func (s *Service) Login(nickname, password string) (string, string, error) {
	nickname = strings.TrimSpace(nickname)

	var memberID int
	var passwordHash string
	err := s.db.QueryRow(
		"SELECT id, password_hash FROM members WHERE nickname = ?",
		nickname,
	).Scan(&memberID, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrBadCredentials
		}
		return "", "", fmt.Errorf("failed to query member: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", "", ErrBadCredentials
	}

	token, err := s.GenerateToken(memberID, nickname)
	if err != nil {
		return "", "", err
	}

	return token, nickname, nil
}

func (s *Service) GenerateToken(memberID int, nickname string) (string, error) {
	now := time.Now()
	claims := Claims{
		MemberID: memberID,
		Nickname: nickname,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (s *Service) MemberID(nickname string) (int, error) {
	var id int
	err := s.db.QueryRow("SELECT id FROM members WHERE nickname = ?", nickname).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrMemberNotFound
		}
		return 0, fmt.Errorf("failed to query member: %w", err)
	}
	return id, nil
}

// MemberExists reports whether a token's member still exists.
func (s *Service) MemberExists(memberID int) (bool, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM members WHERE id = ?)", memberID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query member: %w", err)
	}
	return exists, nil
}
