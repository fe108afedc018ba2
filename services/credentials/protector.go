package credentials

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"

	"alertrelay/pkg/atomicfile"
)

const ageSeedSize = 32

// Protector encrypts secrets at rest.
type Protector interface {
	Protect(plaintext []byte) ([]byte, error)
	Unprotect(ciphertext []byte) ([]byte, error)
}

// AgeProtector encrypts to a local X25519 identity.
type AgeProtector struct {
	identity *age.X25519Identity
}

// NewAgeProtector loads the identity stored at identityPath, generating a new
// one with 0600 permissions when the file does not exist yet.
func NewAgeProtector(identityPath string) (*AgeProtector, error) {
	data, err := os.ReadFile(identityPath)
	if errors.Is(err, fs.ErrNotExist) {
		identity, genErr := age.GenerateX25519Identity()
		if genErr != nil {
			return nil, fmt.Errorf("generate identity: %w", genErr)
		}
		if err := atomicfile.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write identity: %w", err)
		}
		return &AgeProtector{identity: identity}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	secret := firstKeyLine(data)
	if secret == "" {
		return nil, fmt.Errorf("identity file %s contains no key", identityPath)
	}
	if _, err := decodeAgeSecretKey(secret); err != nil {
		return nil, fmt.Errorf("identity file %s: %w", identityPath, err)
	}
	identity, err := age.ParseX25519Identity(secret)
	if err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	return &AgeProtector{identity: identity}, nil
}

// Recipient returns the public half of the identity.
func (p *AgeProtector) Recipient() string {
	return p.identity.Recipient().String()
}

func (p *AgeProtector) Protect(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, p.identity.Recipient())
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *AgeProtector) Unprotect(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), p.identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// firstKeyLine skips the comment lines age-keygen writes above the key.
func firstKeyLine(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ageSeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
