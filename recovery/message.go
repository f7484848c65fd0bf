package recovery

import "crypto/sha256"

// messageDomain separates recovery challenge messages from any other use of
// the group key. Changing it invalidates in-flight challenges.
const messageDomain = "recovery-challenge-v1"

// SigningMessage deterministically binds a challenge's identity and nonce
// into the message handed to the signing coordinator. A signature produced
// for one challenge fails verification against any other challenge's
// message, even for the same user.
func SigningMessage(challengeID string, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte(messageDomain))
	h.Write([]byte(challengeID))
	h.Write(nonce)
	return h.Sum(nil)
}
