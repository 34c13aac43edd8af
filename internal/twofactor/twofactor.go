// Package twofactor validates second-factor tokens: RFC 6238 TOTP codes and
// single-use backup codes.
package twofactor

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/kuitang/rcprobe/internal/errs"
)

const (
	Period          = 30
	Digits          = otp.DigitsSix
	DefaultMaxDelta = 1
	BackupCodeCount = 12
	// BackupCodeLength is the number of hex characters in a backup code.
	BackupCodeLength = 8
)

// Method names the factor that satisfied a verification.
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

// Enrollment is a user's stored second-factor state.
type Enrollment struct {
	Secret string
	// HashedBackupCodes holds hex SHA-256 digests of unused backup codes.
	HashedBackupCodes []string
	// LastStep is the TOTP time step (unix seconds / Period) of the last
	// accepted code. Codes at or before it are replays.
	LastStep int64
}

// Clone returns a deep copy, so callers can keep the state they read.
func (e *Enrollment) Clone() *Enrollment {
	if e == nil {
		return nil
	}
	c := *e
	c.HashedBackupCodes = append([]string(nil), e.HashedBackupCodes...)
	return &c
}

// Verifier checks tokens against an enrollment. The zero value accepts no
// drift and reads the wall clock.
type Verifier struct {
	// MaxDelta is how many 30 second steps of clock drift are accepted on
	// either side of now.
	MaxDelta int
	Now      func() time.Time
}

func NewVerifier(maxDelta int) *Verifier {
	if maxDelta < 0 {
		maxDelta = DefaultMaxDelta
	}
	return &Verifier{MaxDelta: maxDelta, Now: time.Now}
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

// Verify accepts a 6 digit TOTP code or an 8 character backup code. A
// matching backup code is removed from the enrollment; an accepted TOTP code
// advances LastStep. Persist the enrollment afterwards.
func (v *Verifier) Verify(token string, e *Enrollment) (Method, error) {
	token = normalize(token)
	if token == "" {
		return "", errs.New(errs.InvalidArgument, "two-factor token is required")
	}
	if e == nil || e.Secret == "" {
		return "", errs.New(errs.FailedPrecondition, "two-factor authentication is not enabled")
	}

	if len(token) == BackupCodeLength {
		if consumeBackupCode(token, e) {
			return MethodBackupCode, nil
		}
		return "", errs.New(errs.Unauthenticated, "invalid two-factor code")
	}

	step, ok := v.matchStep(token, e.Secret)
	if !ok {
		return "", errs.New(errs.Unauthenticated, "invalid two-factor code")
	}
	if e.LastStep != 0 && step <= e.LastStep {
		return "", errs.New(errs.Unauthenticated, "two-factor code already used")
	}
	e.LastStep = step
	return MethodTOTP, nil
}

// matchStep finds the latest time step within the drift window whose code
// is token.
func (v *Verifier) matchStep(token, secret string) (int64, bool) {
	current := v.now().UTC().Unix() / Period
	delta := int64(max(v.MaxDelta, 0))
	for step := current + delta; step >= current-delta; step-- {
		code, err := Code(secret, time.Unix(step*Period, 0))
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(token)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// Code returns the TOTP code for secret at t.
func Code(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t.UTC(), totp.ValidateOpts{
		Period:    Period,
		Digits:    Digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, "generate totp code", err)
	}
	return code, nil
}

// Enroll creates a new secret plus backup codes. The plain codes are shown to
// the user once; only their hashes are kept in the enrollment.
func Enroll(issuer, account string) (*Enrollment, string, []string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		Digits:      Digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, "", nil, errs.Wrap(errs.Internal, "generate totp secret", err)
	}
	codes, hashed, err := GenerateBackupCodes()
	if err != nil {
		return nil, "", nil, err
	}
	return &Enrollment{Secret: key.Secret(), HashedBackupCodes: hashed}, key.URL(), codes, nil
}

// GenerateBackupCodes returns BackupCodeCount fresh codes and their hashes.
func GenerateBackupCodes() (codes, hashed []string, err error) {
	buf := make([]byte, BackupCodeLength/2)
	for range BackupCodeCount {
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, errs.Wrap(errs.Internal, "generate backup code", err)
		}
		code := hex.EncodeToString(buf)
		codes = append(codes, code)
		hashed = append(hashed, HashBackupCode(code))
	}
	return codes, hashed, nil
}

func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(normalize(code)))
	return hex.EncodeToString(sum[:])
}

func consumeBackupCode(token string, e *Enrollment) bool {
	want := HashBackupCode(token)
	for i, h := range e.HashedBackupCodes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(want)) == 1 {
			e.HashedBackupCodes = append(e.HashedBackupCodes[:i:i], e.HashedBackupCodes[i+1:]...)
			return true
		}
	}
	return false
}

func normalize(token string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(token), " ", ""))
}
