// Package credential stores named secrets encrypted at rest and hands them
// to node executions with sensitive fields masked or resolved on demand.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// ErrNotFound is returned when no credential has the requested name.
var ErrNotFound = errors.New("credential not found")

const (
	keyIterations = 100000
	derivedSalt   = "flowgrid-vault-v1"
)

// sensitiveMarkers flag a data key as secret wherever they appear in it,
// matching the inspector's redaction. "token" alone covers accessToken,
// refresh_token, and plain token keys.
var sensitiveMarkers = []string{"secret", "password", "token", "credential", "apikey", "api_key", "private_key", "privatekey"}

func sensitiveField(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// Credential is one named secret bundle: a connection's user/password, an
// API token, an OAuth client.
type Credential struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Vault keeps credentials encrypted with AES-256-GCM under a key derived
// from the master passphrase. All methods are safe for concurrent use.
type Vault struct {
	enc *encryptor

	mu    sync.RWMutex
	items map[string]storedCredential
}

type storedCredential struct {
	Type       string
	Ciphertext string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewVault derives the encryption key from the master passphrase and returns
// an empty vault.
func NewVault(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, errors.New("vault master key is required")
	}
	return &Vault{
		enc:   newEncryptor(masterKey),
		items: make(map[string]storedCredential),
	}, nil
}

// Put stores or replaces a credential. The data map is encrypted as one
// JSON document.
func (v *Vault) Put(cred Credential) error {
	if cred.Name == "" {
		return errors.New("credential name is required")
	}
	ciphertext, err := v.enc.encryptJSON(cred.Data)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now().UTC()
	stored := storedCredential{
		Type:       cred.Type,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, ok := v.items[cred.Name]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	v.items[cred.Name] = stored
	return nil
}

// Get returns a credential with its data decrypted.
func (v *Vault) Get(name string) (Credential, error) {
	v.mu.RLock()
	stored, ok := v.items[name]
	v.mu.RUnlock()
	if !ok {
		return Credential{}, ErrNotFound
	}

	var data map[string]interface{}
	if err := v.enc.decryptJSON(stored.Ciphertext, &data); err != nil {
		return Credential{}, err
	}
	return Credential{
		Name:      name,
		Type:      stored.Type,
		Data:      data,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
	}, nil
}

// List returns every credential with sensitive fields masked, sorted by name.
func (v *Vault) List() ([]Credential, error) {
	v.mu.RLock()
	names := make([]string, 0, len(v.items))
	for name := range v.items {
		names = append(names, name)
	}
	v.mu.RUnlock()
	sort.Strings(names)

	out := make([]Credential, 0, len(names))
	for _, name := range names {
		cred, err := v.Get(name)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		cred.Data = Mask(cred.Data)
		out = append(out, cred)
	}
	return out, nil
}

// Delete removes a credential, or ErrNotFound.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.items[name]; !ok {
		return ErrNotFound
	}
	delete(v.items, name)
	return nil
}

// Mask replaces sensitive values with a tail-preserving placeholder so
// listings stay recognizable without leaking secrets.
func Mask(data map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(data))
	for key, value := range data {
		if !sensitiveField(key) {
			masked[key] = value
			continue
		}
		if s, ok := value.(string); ok && len(s) > 4 {
			masked[key] = "****" + s[len(s)-4:]
		} else {
			masked[key] = "****"
		}
	}
	return masked
}

// encryptor wraps AES-256-GCM with a PBKDF2-derived key.
type encryptor struct {
	key []byte
}

func newEncryptor(passphrase string) *encryptor {
	key := pbkdf2.Key([]byte(passphrase), []byte(derivedSalt), keyIterations, 32, sha256.New)
	return &encryptor{key: key}
}

func (e *encryptor) encryptJSON(v interface{}) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *encryptor) decryptJSON(ciphertext string, v interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	if len(raw) < gcm.NonceSize() {
		return errors.New("ciphertext too short")
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("decrypt credential: %w", err)
	}
	return json.Unmarshal(plaintext, v)
}

// GenerateKey returns a random base64 key suitable as a vault master key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
