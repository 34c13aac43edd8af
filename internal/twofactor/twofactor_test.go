package twofactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/rcprobe/internal/errs"
)

// RFC 6238 appendix B, SHA-1 seed "12345678901234567890" in base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func fixedVerifier(at time.Time, delta int) *Verifier {
	v := NewVerifier(delta)
	v.Now = func() time.Time { return at }
	return v
}

func TestCode_RFC6238Vectors(t *testing.T) {
	t.Parallel()
	// The RFC lists 8 digit codes; the 6 digit form is the low 6 digits.
	vectors := map[int64]string{
		59:         "287082",
		1111111109: "081804",
		1111111111: "050471",
		1234567890: "005924",
		2000000000: "279037",
	}
	for unix, want := range vectors {
		got, err := Code(rfcSecret, time.Unix(unix, 0))
		require.NoError(t, err)
		assert.Equal(t, want, got, "t=%d", unix)
	}
}

func TestVerify_DriftWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	e := &Enrollment{Secret: rfcSecret}

	prev, err := Code(rfcSecret, now.Add(-Period*time.Second))
	require.NoError(t, err)
	farPast, err := Code(rfcSecret, now.Add(-3*Period*time.Second))
	require.NoError(t, err)

	m, err := fixedVerifier(now, 1).Verify(prev, e)
	require.NoError(t, err)
	assert.Equal(t, MethodTOTP, m)

	_, err = fixedVerifier(now, 0).Verify(prev, e)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))

	_, err = fixedVerifier(now, 1).Verify(farPast, e)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
}

func TestVerify_EmptyAndNotEnrolled(t *testing.T) {
	t.Parallel()
	v := NewVerifier(DefaultMaxDelta)
	_, err := v.Verify("   ", &Enrollment{Secret: rfcSecret})
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))

	_, err = v.Verify("123456", &Enrollment{})
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
}

func TestBackupCodes_SingleUse(t *testing.T) {
	t.Parallel()
	e, url, codes, err := Enroll("rcprobe", "admin")
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")
	require.Len(t, codes, BackupCodeCount)
	require.Len(t, e.HashedBackupCodes, BackupCodeCount)
	for _, c := range codes {
		assert.Len(t, c, BackupCodeLength)
		assert.NotContains(t, e.HashedBackupCodes, c)
	}

	v := NewVerifier(DefaultMaxDelta)
	m, err := v.Verify(codes[3], e)
	require.NoError(t, err)
	assert.Equal(t, MethodBackupCode, m)
	assert.Len(t, e.HashedBackupCodes, BackupCodeCount-1)

	_, err = v.Verify(codes[3], e)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))

	// Codes are case- and space-insensitive.
	m, err = v.Verify(" "+codes[0][:4]+" "+codes[0][4:], e)
	require.NoError(t, err)
	assert.Equal(t, MethodBackupCode, m)
}

// The current code always verifies, whatever the drift window.
func TestVerify_CurrentCodeAlwaysAccepted(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		unix := rapid.Int64Range(0, 4_000_000_000).Draw(t, "unix")
		delta := rapid.IntRange(0, 3).Draw(t, "delta")
		at := time.Unix(unix, 0)
		code, err := Code(rfcSecret, at)
		if err != nil {
			t.Fatalf("code: %v", err)
		}
		if _, err := fixedVerifier(at, delta).Verify(code, &Enrollment{Secret: rfcSecret}); err != nil {
			t.Fatalf("verify at %d delta %d: %v", unix, delta, err)
		}
	})
}

func TestVerify_TOTPCodeIsSingleUse(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	e := &Enrollment{Secret: rfcSecret}
	code, err := Code(rfcSecret, now)
	require.NoError(t, err)

	_, err = fixedVerifier(now, 1).Verify(code, e)
	require.NoError(t, err)
	assert.Equal(t, now.Unix()/Period, e.LastStep)

	// Same code again, still inside the window.
	_, err = fixedVerifier(now.Add(20*time.Second), 1).Verify(code, e)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))

	// An older code in the window is also a replay once a newer one was used.
	prev, err := Code(rfcSecret, now.Add(-Period*time.Second))
	require.NoError(t, err)
	_, err = fixedVerifier(now, 1).Verify(prev, e)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))

	next, err := Code(rfcSecret, now.Add(Period*time.Second))
	require.NoError(t, err)
	_, err = fixedVerifier(now.Add(Period*time.Second), 1).Verify(next, e)
	require.NoError(t, err)
}

func TestVerify_ZeroValueVerifier(t *testing.T) {
	t.Parallel()
	code, err := Code(rfcSecret, time.Now())
	require.NoError(t, err)
	var v Verifier
	assert.NotPanics(t, func() {
		_, err = v.Verify(code, &Enrollment{Secret: rfcSecret})
	})
	// Zero drift may straddle a step boundary; only a wrong-code error is acceptable.
	if err != nil {
		assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
	}
}

func TestEnrollment_CloneIsDeep(t *testing.T) {
	t.Parallel()
	e := &Enrollment{Secret: rfcSecret, HashedBackupCodes: []string{"a", "b"}, LastStep: 7}
	c := e.Clone()
	c.HashedBackupCodes[0] = "z"
	c.LastStep = 9
	assert.Equal(t, []string{"a", "b"}, e.HashedBackupCodes)
	assert.EqualValues(t, 7, e.LastStep)
	assert.Nil(t, (*Enrollment)(nil).Clone())
}
