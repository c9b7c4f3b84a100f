package push

import webpush "github.com/SherClockHolmes/webpush-go"

// GenerateVAPIDKeyPair creates a new VAPID key pair for a tenant on
// first use (spec §4.K "VAPID keys don't exist yet, auto-generate them"),
// mirroring the original handler's lazy get_vapid_public_key.
func GenerateVAPIDKeyPair() (pub, priv string, err error) {
	return webpush.GenerateVAPIDKeys()
}
