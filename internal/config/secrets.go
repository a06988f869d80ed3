package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/user"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// encPrefix marks ciphertext values on disk. Values without it are
// treated as legacy plaintext.
const encPrefix = "enc:"

// secretBox encrypts secret-marked config leaves with a machine-bound
// key: PBKDF2 over stable host identifiers, AES-256-GCM per value. Moving
// the file to another machine makes secrets unreadable, which is the
// point; decryption failure is soft and the stored string is kept.
type secretBox struct {
	key []byte
}

func newSecretBox() *secretBox {
	return &secretBox{key: deriveMachineKey()}
}

func deriveMachineKey() []byte {
	parts := []string{"sonicinput"}
	if host, err := os.Hostname(); err == nil {
		parts = append(parts, host)
	}
	if u, err := user.Current(); err == nil {
		parts = append(parts, u.Username)
	}
	if mac := firstHardwareAddr(); mac != "" {
		parts = append(parts, mac)
	}
	material := strings.Join(parts, "|")
	salt := sha256.Sum256([]byte("sonicinput.secrets.v1"))
	return pbkdf2.Key([]byte(material), salt[:], 10000, 32, sha256.New)
}

func firstHardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addr := iface.HardwareAddr.String(); addr != "" {
			return addr
		}
	}
	return ""
}

// Encrypt returns enc:<base64(nonce||ciphertext)>. Already-encrypted
// values pass through unchanged so repeated saves stay stable.
func (b *secretBox) Encrypt(plain string) (string, error) {
	if strings.HasPrefix(plain, encPrefix) {
		return plain, nil
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secret cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secret gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. The second return is false when the value was
// not ours to decrypt (plaintext, another machine's key, truncated data);
// callers keep the raw value in that case.
func (b *secretBox) Decrypt(stored string) (string, bool) {
	if !strings.HasPrefix(stored, encPrefix) {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", false
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", false
	}
	if len(raw) < gcm.NonceSize() {
		return "", false
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", false
	}
	return string(plain), true
}
