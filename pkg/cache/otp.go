package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// OtpState is the short-lived key->blob cache entry spec §3 names
// alongside OAuthState/CSRFToken/DeviceCode: a TOTP secret tied to a
// single enrollment or step-up challenge, expiring with the challenge
// window it was issued for. Delivering the code to the user (email, SMS,
// authenticator app push) is out of scope; this only stores the secret
// and validates a presented code against it.
type OtpState struct {
	ChallengeID string    `json:"challenge_id"`
	UserID      string    `json:"user_id"`
	Secret      string    `json:"secret"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func otpStateKey(challengeID string) string {
	return "otp:" + challengeID
}

// NewOtpSecret generates a fresh RFC 6238 TOTP secret for an enrollment
// flow, scoped to issuer/accountName the way an authenticator app displays
// them.
func NewOtpSecret(issuer, accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
}

// PutOtpState stores a challenge in L1 and, when configured, L2, with a TTL
// matching its expiry. It is not written to the relational store, so with
// no L2 configured a challenge does not survive a process restart.
func (c *Cache) PutOtpState(ctx context.Context, st OtpState, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	c.Set(ctx, otpStateKey(st.ChallengeID), raw, ttl)
	return nil
}

// GetOtpState retrieves a previously stored challenge, if it has not yet
// expired or been evicted.
func (c *Cache) GetOtpState(ctx context.Context, challengeID string) (OtpState, bool) {
	raw, ok := c.Get(ctx, otpStateKey(challengeID))
	if !ok {
		return OtpState{}, false
	}
	var st OtpState
	if err := json.Unmarshal(raw, &st); err != nil {
		return OtpState{}, false
	}
	return st, true
}

// ValidateOtp checks a presented code against the challenge's secret and,
// on success, deletes the challenge so the same code can never be
// replayed against it.
func (c *Cache) ValidateOtp(ctx context.Context, challengeID, code string) bool {
	st, ok := c.GetOtpState(ctx, challengeID)
	if !ok {
		return false
	}
	if !totp.Validate(code, st.Secret) {
		return false
	}
	c.Delete(ctx, otpStateKey(challengeID))
	return true
}
