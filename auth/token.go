// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// TokenProvider creates a SAS token for an audience
type TokenProvider interface {
	Token(audience string, expires time.Time) (token string, err error)
	// Refreshable is false for tokens that can not be renewed
	Refreshable() bool
}

// NewKeyTokenProvider returns a TokenProvider that signs tokens with a device key.
// The key is the base64 encoded shared access key.
func NewKeyTokenProvider(key, keyName string) TokenProvider {
	return &KeyTokenProvider{key: key, keyName: keyName}
}

// KeyTokenProvider signs SAS tokens with a shared access key
type KeyTokenProvider struct {
	key     string
	keyName string
}

// Token implements TokenProvider
func (k *KeyTokenProvider) Token(audience string, expires time.Time) (string, error) {
	key, err := base64.StdEncoding.DecodeString(k.key)
	if err != nil {
		return "", err
	}
	resource := url.QueryEscape(audience)
	expiry := strconv.FormatInt(expires.Unix(), 10)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(resource + "\n" + expiry))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s",
		resource, url.QueryEscape(signature), expiry, url.QueryEscape(k.keyName)), nil
}

// Refreshable implements TokenProvider
func (k *KeyTokenProvider) Refreshable() bool { return true }

// NewStaticTokenProvider returns a TokenProvider for a SAS token supplied by the user
func NewStaticTokenProvider(token string) TokenProvider {
	return staticTokenProvider(token)
}

type staticTokenProvider string

func (s staticTokenProvider) Token(string, time.Time) (string, error) { return string(s), nil }

func (s staticTokenProvider) Refreshable() bool { return false }
