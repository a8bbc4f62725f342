package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"github.com/klingon-exchange/tanos/pkg/helpers"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for sealing the seed file.
const (
	kdfTime        = 3
	kdfMemory      = 64 * 1024
	kdfParallelism = 4
	kdfKeyLen      = 32
	kdfSaltLen     = 32

	sealedSeedVersion = 1
)

// Password bounds.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// Seed file errors
var (
	ErrWeakPassword  = errors.New("password too weak")
	ErrWrongPassword = errors.New("wrong password or corrupted seed file")
)

// SealedSeed is a mnemonic encrypted with AES-256-GCM under an Argon2id key.
type SealedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// SealMnemonic encrypts mnemonic under password.
func SealMnemonic(mnemonic, password string) (*SealedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	sealed := &SealedSeed{
		Version:     sealedSeedVersion,
		Salt:        salt,
		Time:        kdfTime,
		Memory:      kdfMemory,
		Parallelism: kdfParallelism,
	}

	gcm, err := sealed.aead(password)
	if err != nil {
		return nil, err
	}

	sealed.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(sealed.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed.Ciphertext = gcm.Seal(nil, sealed.Nonce, []byte(mnemonic), nil)
	return sealed, nil
}

// Open decrypts the mnemonic.
func (s *SealedSeed) Open(password string) (string, error) {
	if s.Version != sealedSeedVersion {
		return "", fmt.Errorf("unsupported seed file version %d", s.Version)
	}

	gcm, err := s.aead(password)
	if err != nil {
		return "", err
	}
	if len(s.Nonce) != gcm.NonceSize() {
		return "", ErrWrongPassword
	}

	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer helpers.Wipe(plaintext)

	return string(plaintext), nil
}

func (s *SealedSeed) aead(password string) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), s.Salt, s.Time, s.Memory, s.Parallelism, kdfKeyLen)
	defer helpers.Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// WriteSealedSeed writes s to path with owner-only permissions.
func WriteSealedSeed(s *SealedSeed, path string) error {
	if path == "" {
		return fmt.Errorf("seed path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal seed: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed: %w", err)
	}
	return nil
}

// ReadSealedSeed loads a seed file written by WriteSealedSeed.
func ReadSealedSeed(path string) (*SealedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}

	var s SealedSeed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &s, nil
}

// ValidatePassword requires MinPasswordLength characters drawn from at
// least three of: upper case, lower case, digits, symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassword, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: at most %d characters allowed", ErrWeakPassword, MaxPasswordLength)
	}

	var classes [4]bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes[0] = true
		case unicode.IsLower(r):
			classes[1] = true
		case unicode.IsNumber(r):
			classes[2] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes[3] = true
		}
	}

	n := 0
	for _, ok := range classes {
		if ok {
			n++
		}
	}
	if n < 3 {
		return fmt.Errorf("%w: mix upper case, lower case, digits and symbols", ErrWeakPassword)
	}
	return nil
}
