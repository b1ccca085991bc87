package bittorrent

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
)

func decodeHexString(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func decodeBase32String(s string) ([]byte, error) {
	return base32.StdEncoding.DecodeString(s)
}

func unescapeTracker(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}
