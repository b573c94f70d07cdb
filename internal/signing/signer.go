// Package signing produces and checks the tamper-evidence artifacts written
// next to recorded segments.
//
// An artifact video_<n>.sig holds "<sha1 hex>+<sid>", where the hash covers
// "<prefix>_video_signature_<sid>" followed by the bytes of video_<n>.ts.
package signing

import (
	"crypto/sha1" //nolint:gosec // G505: artifact format is fixed to SHA-1
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/jmylchreest/capturr/internal/hls"
)

// DefaultSaltPrefix is the salt prefix used by archives written by the desktop client.
const DefaultSaltPrefix = "CkyfExamClient"

// ErrMalformedSignature is returned when an artifact does not match "<40 hex>+<sid>".
var ErrMalformedSignature = errors.New("malformed signature artifact")

var signaturePattern = regexp.MustCompile(`^([0-9a-fA-F]{40})\+(.*)$`)

// Signature is the parsed content of a signature artifact.
type Signature struct {
	Hash string `json:"hash" yaml:"hash"`
	SID  string `json:"sid" yaml:"sid"`
}

// String renders the artifact content.
func (s Signature) String() string {
	return s.Hash + "+" + s.SID
}

// ParseSignature parses artifact content. Surrounding whitespace is ignored.
func ParseSignature(data []byte) (Signature, error) {
	m := signaturePattern.FindStringSubmatch(strings.TrimSpace(string(data)))
	if m == nil {
		return Signature{}, ErrMalformedSignature
	}
	return Signature{Hash: m[1], SID: m[2]}, nil
}

// Salt returns the salt for the given prefix and sid.
func Salt(prefix, sid string) string {
	return prefix + "_video_signature_" + sid
}

// Hash computes the salted SHA-1 of r as lowercase hex.
func Hash(r io.Reader, prefix, sid string) (string, error) {
	h := sha1.New() //nolint:gosec // G401: see import
	h.Write([]byte(Salt(prefix, sid)))
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the salted SHA-1 of the file at path.
func HashFile(path, prefix, sid string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Hash(f, prefix, sid)
}

// Signer writes signature artifacts for the segments of one session directory.
type Signer struct {
	dir    string
	prefix string
	sid    string
	logger *slog.Logger
}

// NewSigner creates a signer for dir. An empty prefix means DefaultSaltPrefix.
func NewSigner(dir, prefix, sid string, logger *slog.Logger) *Signer {
	if prefix == "" {
		prefix = DefaultSaltPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{dir: dir, prefix: prefix, sid: sid, logger: logger}
}

// Sign hashes segment n and writes its artifact atomically. Signing the same
// unchanged segment again reproduces the same artifact.
func (s *Signer) Sign(n int) (Signature, error) {
	hash, err := HashFile(hls.SegmentPath(s.dir, n), s.prefix, s.sid)
	if err != nil {
		return Signature{}, fmt.Errorf("hashing segment %d: %w", n, err)
	}

	sig := Signature{Hash: hash, SID: s.sid}
	if err := renameio.WriteFile(hls.SignaturePath(s.dir, n), []byte(sig.String()), 0o644); err != nil {
		return Signature{}, fmt.Errorf("writing signature %d: %w", n, err)
	}

	s.logger.Debug("segment signed",
		slog.Int("segment", n),
		slog.String("hash", hash),
	)
	return sig, nil
}
