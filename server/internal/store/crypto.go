package store

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for hashing device secrets and API credential
// tokens before they hit the database (spec §3: "secret is never
// returned after creation").
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

func hashArgon(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", argonMemory, argonTime, argonThreads, b64Salt, b64Hash), nil
}

func verifyArgonHash(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) < 6 {
		return false, fmt.Errorf("bad encoded hash format")
	}

	params := parts[3]
	saltB64 := parts[4]
	hashB64 := parts[5]

	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(params, "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		for _, v := range strings.Split(params, ",") {
			kv := strings.SplitN(v, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "m":
				fmt.Sscanf(kv[1], "%d", &memory)
			case "t":
				fmt.Sscanf(kv[1], "%d", &timeCost)
			case "p":
				fmt.Sscanf(kv[1], "%d", &threads)
			}
		}
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	derived := argon2.IDKey([]byte(secret), salt, timeCost, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(derived, expected) == 1, nil
}

// TokenPrefix returns a short, non-secret prefix of an API token for
// display purposes (spec §3 "opaque token with a recognizable prefix").
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
