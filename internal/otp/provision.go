package otp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// DefaultSecretSize is 160 bits, the RFC 4226 recommendation
	DefaultSecretSize = 20
	// MinSecretSize rejects secrets below 128 bits
	MinSecretSize = 16

	qrCodeSize = 200
)

// Key is a freshly provisioned secret together with everything an
// authenticator app needs to import it
type Key struct {
	Secret    []byte
	Encoded   string // base32, no padding
	URI       string // otpauth://totp/...
	QRCodeURL string // data:image/png;base64,...
}

// GenerateKey creates a random secret of secretSize bytes and its
// provisioning URI and QR code
func GenerateKey(issuer, accountName string, params models.AlgorithmParams, secretSize int) (*Key, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if secretSize < MinSecretSize {
		return nil, fmt.Errorf("otp: secret size must be at least %d bytes, got %d", MinSecretSize, secretSize)
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      uint(params.Period),
		Secret:      secret,
		Digits:      pqDigits(params.Digits),
		Algorithm:   toLibraryAlgorithm(params.Algorithm),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qrCodeURL, err := QRCodeDataURL(key.URL())
	if err != nil {
		return nil, err
	}

	return &Key{
		Secret:    secret,
		Encoded:   key.Secret(),
		URI:       key.URL(),
		QRCodeURL: qrCodeURL,
	}, nil
}

// QRCodeDataURL renders content as a PNG QR code data URL
func QRCodeDataURL(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Highest)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
