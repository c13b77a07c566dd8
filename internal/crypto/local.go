package crypto

import (
	"context"
	"errors"
	"strings"
)

const localPrefix = "local:"

// LocalEncryptor tags values instead of encrypting them. DEV_MODE only.
type LocalEncryptor struct{}

func NewLocalEncryptor() *LocalEncryptor {
	return &LocalEncryptor{}
}

func (LocalEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	return localPrefix + plaintext, nil
}

func (LocalEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	plain, ok := strings.CutPrefix(ciphertext, localPrefix)
	if !ok {
		return "", errors.New("ciphertext was not produced by the local encryptor")
	}
	return plain, nil
}
