package cache

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func TestPutAndValidateOtpState(t *testing.T) {
	c := New(testLogger(), Options{})
	defer c.Close()
	ctx := context.Background()

	key, err := NewOtpSecret("authgate", "user@example.com")
	require.NoError(t, err)

	require.NoError(t, c.PutOtpState(ctx, OtpState{
		ChallengeID: "chal-1",
		UserID:      "user-1",
		Secret:      key.Secret(),
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}, 5*time.Minute))

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	require.True(t, c.ValidateOtp(ctx, "chal-1", code))
	// a second presentation of the same code must fail: the challenge was
	// deleted on first successful validation.
	require.False(t, c.ValidateOtp(ctx, "chal-1", code))
}

func TestValidateOtpRejectsWrongCode(t *testing.T) {
	c := New(testLogger(), Options{})
	defer c.Close()
	ctx := context.Background()

	key, err := NewOtpSecret("authgate", "user@example.com")
	require.NoError(t, err)
	require.NoError(t, c.PutOtpState(ctx, OtpState{
		ChallengeID: "chal-2",
		UserID:      "user-1",
		Secret:      key.Secret(),
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}, 5*time.Minute))

	require.False(t, c.ValidateOtp(ctx, "chal-2", "000000"))
}

func TestValidateOtpMissingChallenge(t *testing.T) {
	c := New(testLogger(), Options{})
	defer c.Close()
	require.False(t, c.ValidateOtp(context.Background(), "no-such-challenge", "123456"))
}

func TestGetOtpStateRoundTrip(t *testing.T) {
	c := New(testLogger(), Options{})
	defer c.Close()
	ctx := context.Background()

	st := OtpState{ChallengeID: "chal-3", UserID: "user-2", Secret: "JBSWY3DPEHPK3PXP", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, c.PutOtpState(ctx, st, time.Minute))

	got, ok := c.GetOtpState(ctx, "chal-3")
	require.True(t, ok)
	require.Equal(t, st.UserID, got.UserID)
	require.Equal(t, st.Secret, got.Secret)
}
