package token

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// LoadKeyringFile loads a StaticKeyring from disk: primaryFile holds the
// PEM-encoded primary provisioner public key, and subkeyDir (optional) holds
// zero or more additional PEM-encoded subkeys, one per file, named
// "<subkey-id>.pem".
func LoadKeyringFile(primaryFile, subkeyDir string) (StaticKeyring, error) {
	primary, err := loadPublicKeyPEM(primaryFile)
	if err != nil {
		return StaticKeyring{}, trace.Wrap(err, "loading primary provisioner key")
	}

	kr := StaticKeyring{Primary: primary}
	if subkeyDir == "" {
		return kr, nil
	}

	entries, err := os.ReadDir(subkeyDir)
	if err != nil {
		return StaticKeyring{}, trace.ConvertSystemError(err)
	}
	kr.Subkeys = make(map[string]crypto.PublicKey, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pem") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".pem")
		pub, err := loadPublicKeyPEM(filepath.Join(subkeyDir, e.Name()))
		if err != nil {
			return StaticKeyring{}, trace.Wrap(err, "loading subkey %q", id)
		}
		kr.Subkeys[id] = pub
	}
	return kr, nil
}

func loadPublicKeyPEM(path string) (crypto.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, trace.BadParameter("expected PEM encoded public key in %q", path)
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return cert.PublicKey, nil
	default:
		return nil, trace.BadParameter("unsupported PEM block type %q in %q", block.Type, path)
	}
}
