package auth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// MFASecret is an unconfirmed TOTP enrolment.
type MFASecret struct {
	Secret string `json:"secret"`
	URI    string `json:"otpauth_url"`
	QRCode string `json:"qr_code"`
}

// MFA generates and checks RFC 6238 codes: 30s period, 6 digits, SHA1, one
// step of drift either way.
type MFA struct {
	Issuer string
}

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateSecret creates a secret for account with a provisioning URI and a
// PNG QR code as a data URL.
func (m MFA) GenerateSecret(account string) (MFASecret, error) {
	issuer := m.Issuer
	if issuer == "" {
		issuer = "Cooperative ERP"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: fmt.Sprintf("%s (%s)", account, issuer),
		Period:      totpOpts.Period,
		SecretSize:  20,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return MFASecret{}, fmt.Errorf("generate totp secret: %w", err)
	}
	img, err := key.Image(200, 200)
	if err != nil {
		return MFASecret{}, fmt.Errorf("render totp qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return MFASecret{}, fmt.Errorf("encode totp qr: %w", err)
	}
	return MFASecret{
		Secret: key.Secret(),
		URI:    key.URL(),
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Verify reports whether code is valid for secret at now.
func (m MFA) Verify(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != totpOpts.Digits.Length() {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, totpOpts)
	return err == nil && ok
}

// Code returns the current code for secret. Used by tests and tooling.
func (m MFA) Code(secret string, now time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, now, totpOpts)
}
