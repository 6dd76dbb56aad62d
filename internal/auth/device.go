package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/haasonsaas/wiregate/internal/identity"
	"github.com/haasonsaas/wiregate/internal/protocol"
)

// maxSignatureDrift bounds how far a device signature's timestamp may sit
// from the server clock, in either direction.
const maxSignatureDrift = 10 * time.Minute

// DeviceSigningPayload is the exact byte string a device signs. Kept as a
// function so device-side tooling and tests build the identical payload.
func DeviceSigningPayload(nonce, deviceID string, signedAt int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", nonce, deviceID, signedAt))
}

// verifyDevice checks a signed device-identity block: the signature must
// cover the server-issued nonce, the timestamp must be fresh, and the
// device must be paired. A valid signature from an unpaired device is
// still rejected.
func (r *Resolver) verifyDevice(ctx context.Context, dev *protocol.DeviceIdent, nonce string) Result {
	if nonce == "" || dev.Nonce != nonce {
		return Result{Reason: "challenge nonce mismatch"}
	}

	signedAt := time.UnixMilli(dev.SignedAt)
	if drift := time.Since(signedAt); drift > maxSignatureDrift || drift < -maxSignatureDrift {
		return Result{Reason: "stale device signature"}
	}

	pub, err := base64.StdEncoding.DecodeString(dev.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Result{Reason: "invalid device public key"}
	}
	sig, err := base64.StdEncoding.DecodeString(dev.Signature)
	if err != nil {
		return Result{Reason: "invalid device signature encoding"}
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), DeviceSigningPayload(nonce, dev.ID, dev.SignedAt), sig) {
		return Result{Reason: "device signature verification failed"}
	}

	if r.devices == nil {
		return Result{Reason: "device pairing unavailable"}
	}
	known, err := r.devices.Get(ctx, dev.ID)
	if err != nil {
		return Result{Reason: "device not paired"}
	}
	if known.State != identity.StatePaired {
		return Result{Reason: fmt.Sprintf("device is %s, not paired", known.State)}
	}
	if known.PublicKey != dev.PublicKey {
		return Result{Reason: "device public key does not match pairing record"}
	}

	return Result{OK: true, Mode: ModeDevice, Identity: dev.ID}
}
